package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	auth "github.com/chronosky/skywrite"
)

func main() {
	godotenv.Load()

	app := &cli.App{
		Name:    "skywrite",
		Usage:   "bluesky client with chronosky post scheduling",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			runServe,
			runGenerateJwks,
		},
	}

	app.RunAndExitOnError()
}

var runServe = &cli.Command{
	Name:  "serve",
	Usage: "run the web app",
	Action: func(cmd *cli.Context) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		s, err := newServer(cfg)
		if err != nil {
			return err
		}

		return s.run()
	},
}

var runGenerateJwks = &cli.Command{
	Name:  "generate-jwks",
	Usage: "generate a fresh ES256 jwk and write it to ./jwks.json",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "prefix",
			Required: false,
		},
	},
	Action: func(cmd *cli.Context) error {
		var prefix *string
		if cmd.String("prefix") != "" {
			inputPrefix := cmd.String("prefix")
			prefix = &inputPrefix
		}

		key, err := auth.GenerateKeyPair(prefix)
		if err != nil {
			return err
		}

		b, err := json.Marshal(key)
		if err != nil {
			return err
		}

		if err := os.WriteFile("./jwks.json", b, 0644); err != nil {
			return err
		}

		fmt.Println("wrote jwks.json")

		return nil
	},
}
