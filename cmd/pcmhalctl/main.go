package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dougsko/pcmhal/pkg/client"
)

var (
	socketPath = flag.String("socket", "/tmp/pcmhald.sock", "Unix socket path")
	command    = flag.String("cmd", "", "Command to send (e.g., 'STATUS', 'PARAMS:set:routing=0x2')")
	timeout    = flag.Duration("timeout", 5*time.Second, "Command timeout")
)

func main() {
	flag.Parse()

	if *socketPath == "" {
		fmt.Fprintf(os.Stderr, "Socket path is required\n")
		os.Exit(1)
	}

	if *command == "" {
		if len(flag.Args()) > 0 {
			*command = strings.Join(flag.Args(), " ")
		} else {
			showHelp()
			return
		}
	}

	client := client.NewSocketClient(*socketPath)
	client.SetTimeout(*timeout)

	response, err := client.SendCommand(*command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s\n", response.String())
	if !response.Success {
		os.Exit(2)
	}
}

func showHelp() {
	fmt.Println("pcmhalctl - audio device control tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Printf("  %s [options] <command>\n", os.Args[0])
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -socket <path>    Unix socket path (default: /tmp/pcmhald.sock)")
	fmt.Println("  -cmd <command>    Command to send")
	fmt.Println("  -timeout <d>      Command timeout (default: 5s)")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  STATUS                      Device and stream status")
	fmt.Println("  PARAMS:get:<keys>           Read parameters (empty for all)")
	fmt.Println("  PARAMS:set:<k=v;...>        Set routing, orientation or screen_state")
	fmt.Println("  MUTE:on|off                 Mute or unmute capture")
	fmt.Println("  TONE:<hz>[:<ms>]            Play a test tone")
	fmt.Println("  CAPTURE:<ms>                Record and report input level")
	fmt.Println("  EVENTS:<n>                  Show the last n stream events")
	fmt.Println("  PING                        Test connection")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Printf("  %s STATUS\n", os.Args[0])
	fmt.Printf("  %s 'PARAMS:set:routing=0x10'\n", os.Args[0])
	fmt.Printf("  %s -timeout 10s TONE:1000:2000\n", os.Args[0])
	fmt.Printf("  echo 'STATUS' | nc -U /tmp/pcmhald.sock\n")
}
