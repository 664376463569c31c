package main

import (
	"flag"
	"fmt"
	"log"

	"ochat/client/input"
	"ochat/client/ui"
)

func main() {
	host := flag.String("host", "localhost", "server host")
	port := flag.Int("port", 7788, "server port")
	useTLS := flag.Bool("ssl", false, "connect over TLS")
	insecure := flag.Bool("insecure", false, "skip TLS certificate verification")
	flag.Parse()

	app := ui.NewApp(fmt.Sprintf("ochat - %s:%d", *host, *port))
	client := NewClient(*host, *port, *useTLS, *insecure, app)

	if err := client.Connect(); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()

	app.OnInput(client.HandleLine)
	app.Print("connected to %s:%d", *host, *port)
	app.Print("%s", input.HelpText())

	if err := app.Run(); err != nil {
		log.Fatalf("ui: %v", err)
	}
}
