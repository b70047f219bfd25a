// Command mint is a mail transfer and retrieval engine: SMTP submission and
// incoming delivery, a durable multi-lane delivery queue with delivery
// status notifications, and IMAP4rev1 and POP3 retrieval.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/secure/precis"

	"github.com/ibrahimsoriey1/quantummint-sub000/mint"
	"github.com/ibrahimsoriey1/quantummint-sub000/mlog"
	"github.com/ibrahimsoriey1/quantummint-sub000/queue"
	"github.com/ibrahimsoriey1/quantummint-sub000/store"
)

var commands = []struct {
	cmd    string
	params string
	fn     func(c *cmd)
}{
	{"serve", "", cmdServe},
	{"setaccountpassword", "account", cmdSetaccountpassword},
	{"queue list", "[filterflags]", cmdQueueList},
	{"queue count", "", cmdQueueCount},
	{"queue fail", "filterflags", cmdQueueFail},
	{"queue drop", "filterflags", cmdQueueDrop},
	{"version", "", cmdVersion},
}

type cmd struct {
	words  []string
	params string // Arguments shown in usage.
	help   string // Printed after usage for an explicit Usage call.

	flag     *flag.FlagSet
	flagArgs []string
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) Usage() {
	s := "usage: mint " + strings.Join(c.words, " ")
	if c.params != "" {
		s += " " + c.params
	}
	fmt.Fprintln(os.Stderr, s)
	c.flag.SetOutput(os.Stderr)
	c.flag.PrintDefaults()
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help)
	}
	os.Exit(2)
}

func usage() {
	for i, command := range commands {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		s := "mint " + command.cmd
		if command.params != "" {
			s += " " + command.params
		}
		fmt.Fprintln(os.Stderr, pre+s)
	}
	os.Exit(2)
}

var loglevel string

func envString(k, def string) string {
	if s := os.Getenv(k); s != "" {
		return s
	}
	return def
}

func main() {
	log.SetFlags(0)

	flag.StringVar(&mint.ConfigFile, "config", envString("MINTCONF", "mint.conf"), "configuration file, defaults to $MINTCONF with a fallback to mint.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, overrides the log level from the configuration file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

next:
	for _, command := range commands {
		words := strings.Split(command.cmd, " ")
		for i, w := range words {
			if i >= len(args) || w != args[i] {
				continue next
			}
		}
		c := &cmd{
			words:    words,
			params:   command.params,
			flag:     flag.NewFlagSet("mint "+command.cmd, flag.ExitOnError),
			flagArgs: args[len(words):],
			log:      mlog.New(strings.Join(words, ""), nil),
		}
		command.fn(c)
		return
	}
	usage()
}

// mustLoadConfig loads the configuration for a subcommand, applying any log
// level override from the command line afterwards.
func mustLoadConfig() {
	mint.MustLoadConfig()
	if loglevel == "" {
		return
	}
	level, ok := mlog.Levels[strings.ToLower(loglevel)]
	if !ok {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
	mint.Conf.Log[""] = level
	mlog.Init(level)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	log.Fatalf("%s: %s", fmt.Sprintf(format, args...), err)
}

func cmdVersion(c *cmd) {
	c.help = "Print the version of this mint build.\n"
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	version := "(devel)"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		version = info.Main.Version
	}
	fmt.Println(version)
}

func cmdSetaccountpassword(c *cmd) {
	c.help = `Set a new password for an account.

The password is read from stdin and must be at least 8 characters.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig()

	pw, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && pw == "" {
		xcheckf(err, "reading password from stdin")
	}
	pw = strings.TrimSuffix(strings.TrimSuffix(pw, "\n"), "\r")
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	pw, err = precis.OpaqueString.String(pw)
	xcheckf(err, `checking password with "precis" requirements`)

	acc, err := store.OpenAccount(args[0])
	xcheckf(err, "opening account")
	defer func() {
		err := acc.Close()
		c.log.Check(err, "closing account")
	}()
	err = acc.SetPassword(pw)
	xcheckf(err, "setting password")
}

// flagFilter registers the queue message selection flags shared by the queue
// subcommands.
func flagFilter(fs *flag.FlagSet, f *queue.Filter) {
	fs.Func("ids", "comma-separated list of message ids", func(v string) error {
		for _, s := range strings.Split(v, ",") {
			id, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return err
			}
			f.IDs = append(f.IDs, id)
		}
		return nil
	})
	fs.StringVar(&f.Account, "account", "", "account that queued the messages")
	fs.StringVar(&f.From, "from", "", "substring match on the sender address")
	fs.StringVar(&f.To, "to", "", "substring match on the recipient address")
	fs.Func("lane", "delivery lane: local, remote or bounce", func(v string) error {
		switch queue.Lane(v) {
		case queue.LaneLocal, queue.LaneRemote, queue.LaneBounce:
			f.Lane = queue.Lane(v)
			return nil
		}
		return fmt.Errorf("unknown lane %q", v)
	})
	fs.StringVar(&f.Submitted, "submitted", "", `filter by time of submission relative to now, e.g. "<1h" or ">48h"`)
	fs.StringVar(&f.NextAttempt, "nextattempt", "", `filter by time of next delivery attempt relative to now, e.g. "<1h" or ">48h"`)
}

// xqueueInit opens the queue database for admin subcommands. This only works
// while mint is not serving, the database can be open by one process at a
// time.
func xqueueInit() {
	mustLoadConfig()
	err := queue.Init()
	xcheckf(err, "opening queue database (is mint serving?)")
}

func cmdQueueList(c *cmd) {
	c.help = `List matching messages in the delivery queue.

Prints the id, lane, attempts, next delivery attempt, sender and recipient of
each message, and the error of the last attempt if any.
`
	var f queue.Filter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xqueueInit()
	defer queue.Shutdown()

	msgs, err := queue.List(context.Background(), f)
	xcheckf(err, "listing queue")
	if len(msgs) == 0 {
		fmt.Println("queue is empty")
		return
	}
	for _, m := range msgs {
		var lastErr string
		if m.LastError != "" {
			lastErr = ", last error: " + m.LastError
		}
		fmt.Printf("%5d %-6s attempt %d, next %s, %s -> %s%s\n", m.ID, m.Lane, m.Attempts, m.NextAttempt.Format(time.RFC3339), m.Sender().XString(true), m.Recipient().XString(true), lastErr)
	}
}

func cmdQueueCount(c *cmd) {
	c.help = "Print the number of messages in the delivery queue.\n"
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xqueueInit()
	defer queue.Shutdown()

	n, err := queue.Count(context.Background())
	xcheckf(err, "counting queue")
	fmt.Println(n)
}

func cmdQueueFail(c *cmd) {
	c.help = `Fail matching messages in the delivery queue.

Failed messages are removed from the queue and a failure DSN is delivered to
the local sender, as if all delivery attempts were exhausted. At least one
filter flag is required.
`
	var f queue.Filter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xqueueModify(c, f, "failed", queue.Fail)
}

func cmdQueueDrop(c *cmd) {
	c.help = `Remove matching messages from the delivery queue.

Dropped messages disappear without a DSN to the sender. At least one filter
flag is required.
`
	var f queue.Filter
	flagFilter(c.flag, &f)
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	xqueueModify(c, f, "dropped", queue.Drop)
}

func xqueueModify(c *cmd, f queue.Filter, verb string, fn func(ctx context.Context, log mlog.Log, f queue.Filter) (int, error)) {
	if len(f.IDs) == 0 && f.Account == "" && f.From == "" && f.To == "" && f.Lane == "" && f.Submitted == "" && f.NextAttempt == "" {
		log.Fatalf("refusing to act on the whole queue, set at least one filter flag")
	}
	xqueueInit()
	defer queue.Shutdown()

	n, err := fn(context.Background(), c.log, f)
	xcheckf(err, "modifying queue")
	fmt.Printf("%d messages %s\n", n, verb)
}
