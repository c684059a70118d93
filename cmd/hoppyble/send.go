package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"
)

func sendCmd(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	configPath := fs.String("config", "hoppyble.yaml", "Path to YAML config")
	file := fs.String("file", "", "File to send")
	text := fs.String("text", "", "Text to send instead of a file")
	wait := fs.Duration("wait", 10*time.Second, "How long to wait for a subscriber")
	fs.Parse(args)

	mimeType, name, payload, err := readInput(*file, *text)
	if err != nil {
		return err
	}

	n, err := openNode(*configPath, "")
	if err != nil {
		return err
	}
	defer n.close()

	ctx, cancel := context.WithTimeout(context.Background(), *wait)
	defer cancel()
	if err := n.transport.Start(ctx); err != nil {
		return err
	}

	if !poll(ctx, func() bool { return len(n.transport.Snapshot().Subscribers) > 0 }) {
		return fmt.Errorf("no subscriber within %v", *wait)
	}
	if err := n.transport.Send(mimeType, name, payload); err != nil {
		return err
	}

	// Chunks go out in the background; wait for them before stopping.
	poll(context.Background(), func() bool { return n.transport.Snapshot().InFlight == 0 })
	fmt.Printf("Sent %s %q (%d bytes) to %d devices\n",
		mimeType, name, len(payload), len(n.transport.Snapshot().Subscribers))
	return nil
}

func readInput(file, text string) (mimeType, name string, payload []byte, err error) {
	switch {
	case file != "" && text != "":
		return "", "", nil, fmt.Errorf("use --file or --text, not both")
	case text != "":
		return "text/plain", "", []byte(text), nil
	case file == "":
		return "", "", nil, fmt.Errorf("nothing to send: pass --file or --text")
	}

	payload, err = os.ReadFile(file)
	if err != nil {
		return "", "", nil, err
	}
	name = filepath.Base(file)
	mimeType = mime.TypeByExtension(filepath.Ext(name))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return mimeType, name, payload, nil
}

func poll(ctx context.Context, cond func() bool) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
	return true
}
