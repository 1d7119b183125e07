// Command ws_client is a demo client for the subscription inspector's live
// feed: it dials /.well-known/mercure/subscriptions over WebSocket with an
// admin token and prints every snapshot pushed until interrupted.
package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"
)

func main() {
	addr := flag.String("addr", "localhost:3000", "hub address")
	token := flag.String("token", "", "admin JWT, mercure.publish must include \"*\"")
	topic := flag.String("topic", "", "optional topic filter")
	id := flag.String("id", "", "optional subscriber id filter")
	flag.Parse()

	if *token == "" {
		log.Fatal("ws_client: -token is required")
	}

	path := "/.well-known/mercure/subscriptions"
	if *topic != "" {
		path += "/" + *topic
		if *id != "" {
			path += "/" + *id
		}
	}
	u := url.URL{Scheme: "ws", Host: *addr, Path: path}

	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + *token}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		log.Fatalf("ws_client: dial: %v", err)
	}
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = conn.Close()
	}()

	for {
		var snapshot struct {
			Subscriptions []struct {
				ID     string `json:"id"`
				Topic  string `json:"topic"`
				Active bool   `json:"active"`
			} `json:"subscriptions"`
		}
		if err := conn.ReadJSON(&snapshot); err != nil {
			log.Printf("ws_client: read: %v", err)
			return
		}
		out, _ := json.Marshal(snapshot.Subscriptions)
		log.Printf("%d subscriptions: %s", len(snapshot.Subscriptions), out)
	}
}
