// cmd/bridgecli/main.go
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/spf13/pflag"

	"rndis-bridge/internal/client"
)

const (
	clientKey         = "$client"
	unconnectedPrompt = "[none] > "
)

var (
	addr       = pflag.StringP("addr", "a", "192.168.20.206:8888", "bridge address")
	terminator = pflag.String("terminator", ":", "reply terminator byte")
	timeout    = pflag.Duration("timeout", 2*time.Second, "reply timeout")
	noConnect  = pflag.Bool("no-connect", false, "start without connecting")
)

func clientFrom(c *ishell.Context) *client.Client {
	return c.Get(clientKey).(*client.Client)
}

func setPrompt(shell *ishell.Shell, cl *client.Client) {
	if a := cl.Addr(); a != "" {
		shell.SetPrompt(a + " > ")
		return
	}
	shell.SetPrompt(unconnectedPrompt)
}

// quote renders a reply with control bytes escaped
func quote(b []byte) string {
	return strconv.Quote(string(b))
}

var (
	connectCmd = ishell.Cmd{
		Name:    "connect",
		Aliases: []string{"c"},
		Help:    "[HOST:PORT]",
		Func: func(c *ishell.Context) {
			target := *addr
			if len(c.Args) > 0 {
				target = c.Args[0]
			}
			cl := clientFrom(c)
			if err := cl.Connect(target); err != nil {
				c.Err(err)
				return
			}
			c.Printf("Connected to %s\n", target)
		},
	}

	disconnectCmd = ishell.Cmd{
		Name:    "disconnect",
		Aliases: []string{"d"},
		Help:    "",
		Func: func(c *ishell.Context) {
			if err := clientFrom(c).Close(); err != nil {
				c.Err(err)
			}
		},
	}

	sendCmd = ishell.Cmd{
		Name:    "send",
		Aliases: []string{"s"},
		Help:    "REQUEST...",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Err(fmt.Errorf("REQUEST required"))
				return
			}
			request := strings.Join(c.Args, " ")

			start := time.Now()
			reply, err := clientFrom(c).Send([]byte(request))
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("%s (%s)\n", quote(reply), time.Since(start).Round(time.Millisecond))
		},
	}

	repeatCmd = ishell.Cmd{
		Name:    "repeat",
		Aliases: []string{"r"},
		Help:    "COUNT REQUEST...",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(fmt.Errorf("COUNT and REQUEST required"))
				return
			}
			count, err := strconv.Atoi(c.Args[0])
			if err != nil || count <= 0 {
				c.Err(fmt.Errorf("Invalid COUNT: %s", c.Args[0]))
				return
			}
			request := []byte(strings.Join(c.Args[1:], " "))

			cl := clientFrom(c)
			replies := make(map[string]int)
			var slowest time.Duration
			for i := 0; i < count; i++ {
				start := time.Now()
				reply, err := cl.Send(request)
				if err != nil {
					c.Err(fmt.Errorf("request %d: %w", i+1, err))
					return
				}
				if d := time.Since(start); d > slowest {
					slowest = d
				}
				replies[quote(reply)]++
			}
			for reply, n := range replies {
				c.Printf("%6d  %s\n", n, reply)
			}
			c.Printf("slowest %s\n", slowest.Round(time.Millisecond))
		},
	}
)

func main() {
	pflag.Parse()
	if len(*terminator) != 1 {
		fmt.Fprintln(os.Stderr, "terminator must be a single byte")
		os.Exit(2)
	}

	cl := client.New((*terminator)[0], *timeout)
	defer cl.Close()

	shell := ishell.New()
	shell.Set(clientKey, cl)
	for _, cmd := range []*ishell.Cmd{&connectCmd, &disconnectCmd, &sendCmd, &repeatCmd} {
		inner := cmd.Func
		cmd.Func = func(c *ishell.Context) {
			inner(c)
			setPrompt(shell, cl)
		}
		shell.AddCmd(cmd)
	}

	if !*noConnect {
		if err := cl.Connect(*addr); err != nil {
			shell.Println(err)
		}
	}
	setPrompt(shell, cl)

	// one-shot mode: bridgecli send PING
	if args := pflag.Args(); len(args) > 0 {
		if err := shell.Process(args...); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	shell.Run()
}
