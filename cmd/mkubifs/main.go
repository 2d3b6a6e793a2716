package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"code.cloudfoundry.org/bytefmt"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/vorteil/ubimg/pkg/devtable"
	"github.com/vorteil/ubimg/pkg/elog"
	"github.com/vorteil/ubimg/pkg/ubifs"
	"github.com/vorteil/ubimg/pkg/vio"
)

var flags struct {
	root         string
	minIOSize    string
	lebSize      string
	maxLebCnt    int
	output       string
	devtable     string
	jrnSize      string
	reserved     string
	compr        string
	favorPercent int
	fanout       int
	spaceFixup   bool
	keyHash      string
	logLebs      int
	orphLebs     int
	squashUIDs   bool
	setInumAttr  bool
	key          string
	keyDesc      string
	padding      int
	cipher       string
	hashAlgo     string
	authKey      string
	authCert     string
	verbose      bool
}

func parseSize(name, s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		return n, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, errors.Wrapf(err, "bad %s %q", name, s)
	}
	return int64(n), nil
}

func run(cmd *cobra.Command, args []string) error {

	level := elog.InfoLevel
	if flags.verbose {
		level = elog.DebugLevel
	}
	log := elog.NewCLI(&elog.CLIArgs{Level: level})

	output := flags.output
	if output == "" && len(args) == 1 {
		output = args[0]
	}
	if output == "" {
		return errors.New("no output file or UBI volume specified")
	}

	minIO, err := parseSize("min. I/O size", flags.minIOSize)
	if err != nil {
		return err
	}
	lebSize, err := parseSize("LEB size", flags.lebSize)
	if err != nil {
		return err
	}
	jrnSize, err := parseSize("journal size", flags.jrnSize)
	if err != nil {
		return err
	}
	reserved, err := parseSize("reserved bytes count", flags.reserved)
	if err != nil {
		return err
	}

	opts := ubifs.Opts{
		MinIOSize:    int(minIO),
		LebSize:      int(lebSize),
		MaxLebCnt:    flags.maxLebCnt,
		Fanout:       flags.fanout,
		LogLebs:      flags.logLebs,
		OrphLebs:     flags.orphLebs,
		JrnSize:      jrnSize,
		Reserved:     reserved,
		Compr:        flags.compr,
		FavorPercent: flags.favorPercent,
		KeyHash:      flags.keyHash,
		SpaceFixup:   flags.spaceFixup,
		SquashOwner:  flags.squashUIDs,
		SetInumAttr:  flags.setInumAttr,
	}

	if flags.devtable != "" {
		opts.Devtable, err = devtable.LoadFile(flags.devtable)
		if err != nil {
			return err
		}
	}

	if flags.key != "" {
		if flags.cipher != "" && flags.cipher != "AES-256-XTS" {
			return errors.Errorf("unsupported cipher %q", flags.cipher)
		}
		opts.Cryptor, err = ubifs.NewFscryptCryptor(flags.key, flags.keyDesc, flags.padding)
		if err != nil {
			return err
		}
	} else if flags.keyDesc != "" {
		return errors.New("no key file specified")
	}

	if flags.authKey != "" || flags.authCert != "" {
		opts.Signer, err = ubifs.NewPKCS7Signer(flags.hashAlgo, flags.authKey, flags.authCert)
		if err != nil {
			return err
		}
	}

	var tree vio.FileTree
	if flags.root != "" {
		tree, err = vio.FileTreeFromDirectory(flags.root)
		if err != nil {
			return errors.Wrapf(err, "bad root directory %q", flags.root)
		}
		defer tree.Close()
	}

	target, err := ubifs.NewFileTarget(output, opts.LebSize)
	if err != nil {
		return err
	}

	c := ubifs.NewCompiler(&ubifs.CompilerArgs{
		FileTree: tree,
		Logger:   log,
		Target:   target,
		Opts:     opts,
	})

	err = c.Compile(context.Background())
	if err != nil {
		_ = target.Close()
		_ = os.Remove(output)
		return err
	}

	err = target.Close()
	if err != nil {
		return err
	}

	log.Infof("success")
	return nil
}

func main() {

	cmd := &cobra.Command{
		Use:   "mkubifs [flags] target",
		Short: "Make a UBIFS file system image from an existing directory tree",
		Args:  cobra.MaximumNArgs(1),
		RunE:  run,
	}

	f := cmd.Flags()
	f.StringVarP(&flags.root, "root", "r", "", "build file system from directory DIR")
	f.StringVarP(&flags.minIOSize, "min-io-size", "m", "", "minimum I/O unit size")
	f.StringVarP(&flags.lebSize, "leb-size", "e", "", "logical erase block size")
	f.IntVarP(&flags.maxLebCnt, "max-leb-cnt", "c", 0, "maximum logical erase block count")
	f.StringVarP(&flags.output, "output", "o", "", "output to FILE")
	f.StringVarP(&flags.devtable, "devtable", "D", "", "use device table FILE")
	f.StringVarP(&flags.jrnSize, "jrn-size", "j", "", "journal size")
	f.StringVarP(&flags.reserved, "reserved", "R", "", "how much space should be reserved for the super-user")
	f.StringVarP(&flags.compr, "compr", "x", "", `compression type: "lzo", "favor_lzo", "zlib", "zstd" or "none"`)
	f.IntVarP(&flags.favorPercent, "favor-percent", "X", 20, "how many percent better zlib should compress to be preferred over LZO")
	f.IntVarP(&flags.fanout, "fanout", "f", 8, "index node fanout")
	f.BoolVarP(&flags.spaceFixup, "space-fixup", "F", false, "file-system free space has to be fixed up on first mount")
	f.StringVarP(&flags.keyHash, "keyhash", "k", "r5", `key hash type: "r5" or "test"`)
	f.IntVarP(&flags.logLebs, "log-lebs", "l", 0, "count of erase blocks for the log")
	f.IntVarP(&flags.orphLebs, "orph-lebs", "p", 0, "count of erase blocks for orphans")
	f.BoolVarP(&flags.squashUIDs, "squash-uids", "U", false, "squash owners making all files owned by root")
	f.BoolVarP(&flags.setInumAttr, "set-inum-attr", "a", false, "record the image inode number of every file in a user xattr")
	f.StringVarP(&flags.key, "key", "K", "", "load an encryption key from a specified file")
	f.StringVarP(&flags.keyDesc, "key-descriptor", "b", "", "specify the key descriptor as a hex string")
	f.IntVarP(&flags.padding, "padding", "P", 4, "padding policy for encrypting filenames (4, 8, 16 or 32)")
	f.StringVarP(&flags.cipher, "cipher", "C", "", "cipher to use for file level encryption")
	f.StringVar(&flags.hashAlgo, "hash-algo", "", "hash algorithm to use for signed images (sha1, sha256, sha512)")
	f.StringVar(&flags.authKey, "auth-key", "", "PEM file containing the authentication key for signing")
	f.StringVar(&flags.authCert, "auth-cert", "", "authentication certificate for signing")
	f.BoolVarP(&flags.verbose, "verbose", "v", false, "verbose operation")

	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
