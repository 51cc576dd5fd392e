package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/TheAlpha16/rpctable"
)

func main() {
	// Server side: command table plus a Valkey transport
	serverConn, err := rpctable.NewValkeyClient("localhost:6379")
	if err != nil {
		log.Fatalf("Failed to connect server: %v", err)
	}

	table := rpctable.NewTable()
	defer table.Close()

	// Register a simple command next to the baseline test_add/test_sub
	err = table.Register(rpctable.NewCommand("hello", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Name string `json:"name"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("%w: %v", rpctable.ErrInvalidParams, err)
			}
		}
		if p.Name == "" {
			p.Name = "World"
		}
		return fmt.Sprintf("Hello, %s!", p.Name), nil
	}))
	if err != nil {
		log.Fatalf("Failed to register command: %v", err)
	}

	server := rpctable.NewServer(table, rpctable.NewValkeyTransport(serverConn, "my-commands"))

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	defer server.Shutdown()

	fmt.Println("Server started! Methods:", table.Names())

	// Client side: a separate connection publishing requests
	clientConn, err := rpctable.NewValkeyClient("localhost:6379")
	if err != nil {
		log.Fatalf("Failed to connect client: %v", err)
	}
	defer clientConn.Close()

	client := rpctable.NewClient(clientConn, "my-commands")

	// Give the subscription a moment to be established
	time.Sleep(500 * time.Millisecond)

	callCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var greeting string
	if err := client.Call(callCtx, "hello", map[string]any{"name": "RPC User"}, &greeting); err != nil {
		log.Printf("Failed to call hello: %v", err)
	}
	fmt.Println(greeting)

	var sum int64
	if err := client.Call(callCtx, rpctable.MethodTestAdd, map[string]any{"x": 40, "y": 2}, &sum); err != nil {
		log.Printf("Failed to call test_add: %v", err)
	}
	fmt.Println("test_add(40, 2) =", sum)

	err = client.Call(callCtx, "missing", nil, nil)
	fmt.Println("missing:", err)

	fmt.Println("Quick start example completed!")
}
