package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/livepeer/swarm-ingest/swarm"
)

func main() {
	app := cli.NewApp()
	app.Name = "swarmkey"
	app.Usage = "generate and inspect the signer keys of swarm ingest"
	app.Commands = []cli.Command{
		{
			Name:  "generate",
			Usage: "generate a new key and print it with its owner address",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out",
					Usage: "write the hex private key to this file instead of stdout",
				},
			},
			Action: generate,
		},
		{
			Name:      "owner",
			Usage:     "print the owner address of a hex key or key file",
			ArgsUsage: "<key or file>",
			Action:    owner,
		},
		{
			Name:      "topic",
			Usage:     "print the hashed topic of a feed topic or channel name",
			ArgsUsage: "<name>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("expected one topic name", 1)
				}
				fmt.Println(swarm.TopicFromString(c.Args().First()).Hex())
				return nil
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func generate(c *cli.Context) error {
	s, err := swarm.GenerateSigner()
	if err != nil {
		return err
	}
	if out := c.String("out"); out != "" {
		if err := os.WriteFile(out, []byte(s.PrivateKeyHex()+"\n"), 0600); err != nil {
			return err
		}
		fmt.Printf("key written to %s\n", out)
	} else {
		fmt.Printf("key:   %s\n", s.PrivateKeyHex())
	}
	fmt.Printf("owner: 0x%s\n", s.OwnerHex())
	return nil
}

func owner(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("expected a key or key file", 1)
	}
	arg := c.Args().First()
	key := arg
	if b, err := os.ReadFile(arg); err == nil {
		key = string(b)
	}
	s, err := swarm.SignerFromHex(key)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("invalid key: %v", err), 1)
	}
	fmt.Printf("0x%s\n", s.OwnerHex())
	return nil
}
