package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/autoflow/orchestrator-api/keystore"
	"github.com/autoflow/orchestrator-api/orchestrator/config"
)

var WalletCmd = &cli.Command{
	Name:  "wallet",
	Usage: "settlement wallet management",
	Subcommands: []*cli.Command{
		initCmd,
		importCmd,
		listCmd,
	},
}

func keystorePath(ctx *cli.Context) string {
	if p := ctx.String("path"); p != "" {
		return p
	}
	return config.GetConfig().Ledger.KeystorePath
}

// create a new wallet
var initCmd = &cli.Command{
	Name:  "init",
	Usage: "create a new wallet",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "set the keystore path",
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"pw"},
			Usage:   "set the key password",
			Value:   "autoflow",
		},
	},
	Action: func(ctx *cli.Context) error {
		pw := ctx.String("pw")
		if pw == "" {
			return fmt.Errorf("the password of the wallet must be given")
		}

		ks, err := keystore.NewKeyStore(keystorePath(ctx))
		if err != nil {
			return err
		}

		ki, err := keystore.NewKey()
		if err != nil {
			return err
		}
		if err := ks.Put(ki.Address(), pw, *ki); err != nil {
			return err
		}

		fmt.Println("wallet created:", ki.Address())
		fmt.Println("set Ledger.Wallet in config.toml to use it for settlements")
		return nil
	},
}

// import a wallet with an sk
var importCmd = &cli.Command{
	Name:  "import",
	Usage: "import a wallet with an sk",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "set the keystore path",
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "secretkey",
			Aliases: []string{"sk"},
			Usage:   "private key",
			Value:   "",
		},
		&cli.StringFlag{
			Name:    "password",
			Aliases: []string{"pw"},
			Usage:   "set the key password",
			Value:   "autoflow",
		},
	},
	Action: func(ctx *cli.Context) error {
		sk := ctx.String("sk")
		pw := ctx.String("pw")
		if sk == "" {
			return fmt.Errorf("a sk must be given")
		}
		if pw == "" {
			return fmt.Errorf("the password of the wallet must be given")
		}

		ks, err := keystore.NewKeyStore(keystorePath(ctx))
		if err != nil {
			return err
		}

		ki, err := keystore.Import(sk)
		if err != nil {
			return err
		}
		if err := ks.Put(ki.Address(), pw, *ki); err != nil {
			return err
		}

		fmt.Println("wallet imported:", ki.Address())
		return nil
	},
}

// list stored wallets
var listCmd = &cli.Command{
	Name:  "list",
	Usage: "list wallet addresses in the keystore",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "set the keystore path",
			Value:   "",
		},
	},
	Action: func(ctx *cli.Context) error {
		ks, err := keystore.NewKeyStore(keystorePath(ctx))
		if err != nil {
			return err
		}
		names, err := ks.List()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	},
}
