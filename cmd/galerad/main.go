// Command galerad is a small interactive CLI over a galera.Connection,
// mirroring examples/word-count/wordcountctl's go-flags command parser
// shape: one subcommand per connection-level operation.
package main

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/Litres/galera"
	"github.com/Litres/galera/action"
	"github.com/Litres/galera/seqno"
)

// Config is the top-level CLI configuration, grouped the way
// examples/word-count/wordcountctl/main.go groups its mbp config structs.
var Config = new(struct {
	Packet galera.PacketConfig `group:"Packet" namespace:"packet" env-namespace:"PACKET"`
	Log    galera.LogConfig    `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Store  galera.StoreConfig  `group:"Store" namespace:"store" env-namespace:"STORE"`
})

type cmdOpen struct {
	Backend string `long:"backend" required:"true" description:"Backend URL: dummy://, spread://host:port, or gcomm://etcd-host:port/prefix"`
	Channel string `long:"channel" required:"true" description:"Channel name to join"`
	UUID    string `long:"uuid" description:"Group UUID hex; a random UUID is generated if omitted"`
}

func (cmd *cmdOpen) Execute([]string) error {
	var u uuid.UUID
	var err error
	if cmd.UUID != "" {
		if u, err = uuid.Parse(cmd.UUID); err != nil {
			return err
		}
	}

	var opts = galera.DefaultOptions()
	opts.Packet = Config.Packet
	opts.Store = Config.Store

	var conn = galera.Create(cmd.Backend, opts)
	if err = conn.Init(seqno.Nil, u); err != nil {
		return err
	}
	var ctx = context.Background()
	if err = conn.Open(ctx, cmd.Channel); err != nil {
		return err
	}
	log.WithFields(log.Fields{"backend": cmd.Backend, "channel": cmd.Channel}).Info("opened connection")

	for {
		var a, err = conn.Recv(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s payload=%s\n", a, hex.EncodeToString(a.Payload))
	}
}

type cmdSend struct {
	Backend string `long:"backend" required:"true" description:"Backend URL"`
	Channel string `long:"channel" required:"true" description:"Channel name"`
	Payload string `long:"payload" required:"true" description:"Hex-encoded payload to send"`
	Repl    bool   `long:"repl" description:"Use repl instead of send, printing the assigned seqnos"`
}

func (cmd *cmdSend) Execute([]string) error {
	var payload, err = hex.DecodeString(cmd.Payload)
	if err != nil {
		return err
	}

	var opts = galera.DefaultOptions()
	opts.Packet = Config.Packet
	opts.Store = Config.Store

	var conn = galera.Create(cmd.Backend, opts)
	if err = conn.Init(seqno.Nil, uuid.UUID{}); err != nil {
		return err
	}
	var ctx = context.Background()
	if err = conn.Open(ctx, cmd.Channel); err != nil {
		return err
	}
	defer conn.Close()

	if cmd.Repl {
		var gseq, lseq, err = conn.Repl(ctx, payload, action.DATA)
		if err != nil {
			return err
		}
		fmt.Printf("gseq=%s lseq=%d\n", gseq, lseq)
		return nil
	}
	var n, err2 = conn.Send(ctx, payload, action.DATA)
	if err2 != nil {
		return err2
	}
	fmt.Printf("accepted %d bytes\n", n)
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	var _, err = parser.AddCommand("open", "Open a connection and stream delivered actions",
		"Opens a connection against a backend and channel, printing every delivered action", &cmdOpen{})
	mustNot(err)

	_, err = parser.AddCommand("send", "Send or repl a single action",
		"Sends (or repls, with --repl) a single hex-encoded DATA action", &cmdSend{})
	mustNot(err)

	// Log configuration is applied once flags and their defaults are parsed,
	// just before the selected subcommand runs.
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if err := Config.Log.Apply(); err != nil {
			return fmt.Errorf("applying log configuration: %w", err)
		}
		return cmd.Execute(args)
	}

	if _, err := parser.Parse(); err != nil {
		if fe, ok := err.(*flags.Error); ok && fe.Type == flags.ErrHelp {
			return
		}
		log.WithError(err).Fatal("command failed")
	}
}

func mustNot(err error) {
	if err != nil {
		log.WithError(err).Fatal("failed to add command")
	}
}
