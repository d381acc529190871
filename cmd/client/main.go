// Command client is a demo microphone-capture CLI: it opens the default
// input device, streams PCM16 frames to a running server over a
// WebSocket, and prints interim/final transcripts as they arrive.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/gen2brain/malgo"
)

const (
	sampleRate = 16000
	channels   = 1
	frameMs    = 20
)

type controlMessage struct {
	Op         string `json:"op"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Lang       string `json:"lang,omitempty"`
	Payload    string `json:"payload,omitempty"`
}

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8081/", "server websocket address")
	lang := flag.String("lang", "auto", "language hint sent with the start control message")
	flag.Parse()

	if err := run(*addr, *lang); err != nil {
		log.Fatal(err)
	}
}

func run(addr, lang string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "client exit")

	start := controlMessage{Op: "start", SampleRate: sampleRate, Lang: lang}
	if err := writeJSON(ctx, conn, start); err != nil {
		return fmt.Errorf("send start: %w", err)
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	defer mctx.Uninit()

	var sendMu sync.Mutex
	frameBytes := sampleRate * 2 * frameMs / 1000

	onSamples := func(_ []byte, pInput []byte, _ uint32) {
		if len(pInput) == 0 {
			return
		}
		payload := controlMessage{Op: "audio", Payload: base64.StdEncoding.EncodeToString(pInput)}
		sendMu.Lock()
		_ = writeJSON(ctx, conn, payload)
		sendMu.Unlock()
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = channels
	deviceConfig.SampleRate = sampleRate
	deviceConfig.PeriodSizeInFrames = uint32(frameBytes / 2)

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: onSamples,
	})
	if err != nil {
		return fmt.Errorf("init capture device: %w", err)
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return fmt.Errorf("start capture device: %w", err)
	}
	fmt.Println("Listening. Press Ctrl+C to stop.")

	go readLoop(ctx, conn)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("\nstopping...")
	stop := controlMessage{Op: "stop"}
	sendMu.Lock()
	_ = writeJSON(ctx, conn, stop)
	sendMu.Unlock()
	time.Sleep(200 * time.Millisecond)
	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

func readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg["type"] {
		case "interim":
			fmt.Printf("\r[interim] %s", msg["text"])
		case "final":
			fmt.Printf("\r\033[K[final]   %s\n", msg["text"])
		case "status":
			fmt.Printf("\r\033[K[status]  backpressure=%v cooldown_ms=%v\n", msg["backpressure"], msg["cooldown_ms"])
		case "error":
			fmt.Printf("\r\033[K[error]   %s: %s\n", msg["code"], msg["detail"])
		}
	}
}
