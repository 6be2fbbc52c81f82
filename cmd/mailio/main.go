// Command mailio is a small frontend for the mailio protocol clients:
// submitting a message over SMTP, listing and fetching mail over POP3, and
// inspecting a mailbox over IMAP.
//
// Server addresses and credentials come from a config file in sconf format,
// see "mailio config describe" for an annotated example.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/mjl-/sconf"

	"github.com/sguinebert/mailio/dialog"
	"github.com/sguinebert/mailio/dns"
	"github.com/sguinebert/mailio/imapclient"
	"github.com/sguinebert/mailio/message"
	"github.com/sguinebert/mailio/mlog"
	"github.com/sguinebert/mailio/pop3client"
	"github.com/sguinebert/mailio/smtpclient"
)

// Account describes one server endpoint with credentials.
type Account struct {
	Host               string `sconf-doc:"Host name of the server."`
	Port               int    `sconf-doc:"Port number, e.g. 587 for SMTP submission, 995 for POP3 over TLS, 993 for IMAP over TLS."`
	Username           string `sconf:"optional" sconf-doc:"Login username. Empty to skip authentication."`
	Password           string `sconf:"optional"`
	TLS                string `sconf:"optional" sconf-doc:"TLS mode: none, starttls or implicit. Default starttls."`
	InsecureSkipVerify bool   `sconf:"optional" sconf-doc:"Do not verify the server TLS certificate. For testing only."`
}

// Config is the "mailio.conf" file.
type Config struct {
	SMTP Account `sconf:"optional" sconf-doc:"Server for the sendmail command."`
	POP3 Account `sconf:"optional" sconf-doc:"Server for the pop3 subcommands."`
	IMAP Account `sconf:"optional" sconf-doc:"Server for the imap subcommands."`
}

var (
	configPath = flag.String("config", "mailio.conf", "path to config file")
	loglevel   = flag.String("loglevel", "info", "log level: error, info, debug, trace, traceauth, tracedata")
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: mailio [flags] sendmail < message.eml")
	fmt.Fprintln(os.Stderr, "       mailio [flags] pop3 stat")
	fmt.Fprintln(os.Stderr, "       mailio [flags] pop3 list")
	fmt.Fprintln(os.Stderr, "       mailio [flags] pop3 retr num")
	fmt.Fprintln(os.Stderr, "       mailio [flags] imap stat mailbox")
	fmt.Fprintln(os.Stderr, "       mailio config describe")
	flag.PrintDefaults()
	os.Exit(2)
}

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
	}
}

func logger() *slog.Logger {
	levels := map[string]slog.Level{
		"error":     slog.LevelError,
		"info":      slog.LevelInfo,
		"debug":     slog.LevelDebug,
		"trace":     mlog.LevelTrace,
		"traceauth": mlog.LevelTraceauth,
		"tracedata": mlog.LevelTracedata,
	}
	level, ok := levels[*loglevel]
	if !ok {
		log.Fatalf("unknown log level %q", *loglevel)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func xtlsMode(s string) dialog.TLSMode {
	switch s {
	case "", "starttls":
		return dialog.TLSSTARTTLS
	case "none":
		return dialog.TLSNone
	case "implicit":
		return dialog.TLSImmediate
	}
	log.Fatalf("unknown tls mode %q", s)
	panic("not reached")
}

func xaccount(a Account, what string) Account {
	if a.Host == "" {
		log.Fatalf("no %s server in %s", what, *configPath)
	}
	return a
}

func cmdSendmail(cfg Config, args []string) {
	if len(args) != 0 {
		usage()
	}
	acc := xaccount(cfg.SMTP, "smtp")

	msg, err := message.Parse(os.Stdin)
	xcheckf(err, "parsing message from stdin")

	client, err := smtpclient.New(smtpclient.Options{
		TLSMode:      xtlsMode(acc.TLS),
		TLS:          dialog.TLSOptions{UseDefaultRoots: true, InsecureSkipVerify: acc.InsecureSkipVerify},
		Policy:       dialog.Policy{RequireTLSForAuth: true},
		AutoSTARTTLS: true,
		Logger:       logger(),
	})
	xcheckf(err, "making smtp client")

	ctx := context.Background()
	err = client.Connect(ctx, acc.Host, acc.Port)
	xcheckf(err, "connecting to %s:%d", acc.Host, acc.Port)
	defer client.Close()

	err = client.Hello(ctx, dns.Domain{})
	xcheckf(err, "smtp hello")
	if acc.Username != "" {
		err = client.Authenticate(acc.Username, acc.Password, smtpclient.AuthPlain)
		xcheckf(err, "authenticating")
	}
	_, err = client.Send(msg, nil)
	xcheckf(err, "sending message")
	// Close sends the QUIT.
}

func xpop3(cfg Config) *pop3client.Client {
	acc := xaccount(cfg.POP3, "pop3")

	client, err := pop3client.New(pop3client.Options{
		TLSMode: xtlsMode(acc.TLS),
		TLS:     dialog.TLSOptions{UseDefaultRoots: true, InsecureSkipVerify: acc.InsecureSkipVerify},
		Policy:  dialog.Policy{RequireTLSForAuth: true},
		Logger:  logger(),
	})
	xcheckf(err, "making pop3 client")

	ctx := context.Background()
	err = client.Connect(ctx, acc.Host, acc.Port)
	xcheckf(err, "connecting to %s:%d", acc.Host, acc.Port)
	_, err = client.ReadGreeting()
	xcheckf(err, "pop3 greeting")
	if xtlsMode(acc.TLS) == dialog.TLSSTARTTLS {
		err = client.StartTLS(ctx, "")
		xcheckf(err, "pop3 stls")
	}
	if acc.Username != "" {
		err = client.Login(acc.Username, acc.Password)
		xcheckf(err, "pop3 login")
	}
	return client
}

func cmdPop3(cfg Config, args []string) {
	if len(args) == 0 {
		usage()
	}
	client := xpop3(cfg)
	defer client.Close()

	switch args[0] {
	case "stat":
		stat, err := client.Stat()
		xcheckf(err, "stat")
		fmt.Printf("%d messages, %d bytes\n", stat.Count, stat.Size)
	case "list":
		sizes, err := client.List(0)
		xcheckf(err, "list")
		for num, size := range sizes {
			fmt.Printf("%d %d\n", num, size)
		}
	case "retr":
		if len(args) != 2 {
			usage()
		}
		num, err := strconv.Atoi(args[1])
		xcheckf(err, "parsing message number")
		data, err := client.Retr(num)
		xcheckf(err, "retr")
		os.Stdout.Write(data)
	default:
		usage()
	}
	// Close sends the QUIT, committing any deletions.
}

func cmdImap(cfg Config, args []string) {
	if len(args) != 2 || args[0] != "stat" {
		usage()
	}
	acc := xaccount(cfg.IMAP, "imap")

	client, err := imapclient.New(imapclient.Options{
		TLSMode: xtlsMode(acc.TLS),
		TLS:     dialog.TLSOptions{UseDefaultRoots: true, InsecureSkipVerify: acc.InsecureSkipVerify},
		Policy:  dialog.Policy{RequireTLSForAuth: true},
		Logger:  logger(),
	})
	xcheckf(err, "making imap client")

	ctx := context.Background()
	err = client.Connect(ctx, acc.Host, acc.Port)
	xcheckf(err, "connecting to %s:%d", acc.Host, acc.Port)
	defer client.Close()

	_, err = client.ReadGreeting()
	xcheckf(err, "imap greeting")
	if xtlsMode(acc.TLS) == dialog.TLSSTARTTLS {
		err = client.StartTLS(ctx, "")
		xcheckf(err, "imap starttls")
	}
	if acc.Username != "" && !client.Preauth() {
		err = client.Login(acc.Username, acc.Password)
		xcheckf(err, "imap login")
	}
	_, stat, err := client.Examine(args[1])
	xcheckf(err, "examine %s", args[1])
	fmt.Printf("%d messages, %d recent, %d unseen, uidnext %d, uidvalidity %d\n",
		stat.Messages, stat.Recent, stat.Unseen, stat.UIDNext, stat.UIDValidity)
	_, err = client.Logout()
	xcheckf(err, "logout")
}

func cmdConfig(args []string) {
	if len(args) != 1 || args[0] != "describe" {
		usage()
	}
	err := sconf.Describe(os.Stdout, &Config{
		SMTP: Account{Host: "smtp.example.com", Port: 587},
		POP3: Account{Host: "pop3.example.com", Port: 995, TLS: "implicit"},
		IMAP: Account{Host: "imap.example.com", Port: 993, TLS: "implicit"},
	})
	xcheckf(err, "describing config")
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	if args[0] == "config" {
		cmdConfig(args[1:])
		return
	}

	var cfg Config
	err := sconf.ParseFile(*configPath, &cfg)
	xcheckf(err, "parsing config file %s", *configPath)

	switch args[0] {
	case "sendmail":
		cmdSendmail(cfg, args[1:])
	case "pop3":
		cmdPop3(cfg, args[1:])
	case "imap":
		cmdImap(cfg, args[1:])
	default:
		usage()
	}
}
