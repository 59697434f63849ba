package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is one line of subprocess output forwarded to the client.
type wsFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func main() {
	addr := flag.String("addr", ":8080", "listen address")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).With().Timestamp().Logger()

	// Remaining arguments name the agent command; default to ACP mode.
	cmdArgs := flag.Args()
	if len(cmdArgs) == 0 {
		cmdArgs = []string{"parley", "-acp"}
	}

	http.HandleFunc("/ws", handleWS(cmdArgs, logger))

	logger.Info().Str("addr", *addr).Strs("command", cmdArgs).Msg("websocket bridge listening on /ws")
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

func handleWS(cmdArgs []string, logger zerolog.Logger) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		// Upgrade to WebSocket
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error().Err(err).Msg("upgrade error")
			return
		}
		defer conn.Close()

		// One agent subprocess per connection
		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)

		stdin, err := cmd.StdinPipe()
		if err != nil {
			logger.Error().Err(err).Msg("error getting stdin")
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			logger.Error().Err(err).Msg("error getting stdout")
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			logger.Error().Err(err).Msg("error getting stderr")
			return
		}

		if err := cmd.Start(); err != nil {
			logger.Error().Err(err).Msg("error starting agent")
			return
		}
		defer func() {
			stdin.Close()
			cmd.Process.Kill()
			cmd.Wait()
		}()

		// The connection allows one concurrent writer, so the stdout and
		// stderr pumps share a lock.
		var writeMu sync.Mutex
		forward := func(kind string, src io.Reader) {
			scanner := bufio.NewScanner(src)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for scanner.Scan() {
				frame, err := json.Marshal(wsFrame{Type: kind, Data: scanner.Text()})
				if err != nil {
					continue
				}
				writeMu.Lock()
				err = conn.WriteMessage(websocket.TextMessage, frame)
				writeMu.Unlock()
				if err != nil {
					logger.Debug().Err(err).Msg("ws write error")
					return
				}
			}
		}

		// Pipe agent stdout and stderr → WebSocket
		go forward("stdout", stdout)
		go forward("stderr", stderr)

		// Pipe WebSocket messages → agent stdin
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug().Err(err).Msg("ws read error")
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				logger.Error().Err(err).Msg("stdin write error")
				return
			}
		}
	}
}
