package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/psylab/gustavio/session"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// LogChunk is one message of a log stream.
// The last message of a stream has EOF set, or Error if reading the log failed.
type LogChunk struct {
	Data  []byte
	EOF   bool
	Error string
}

type wsJSONWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// writeMsg is called with the bytes passed to write, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	writeMsg func(b []byte) any
	// closeMsg is called when the writer is closed, and the return value is JSON-encoded and sent as an outgoing WebSocket message.
	closeMsg func() any
}

func (w *wsJSONWriter) Write(b []byte) (int, error) {
	// base64 inflates the payload, so stay well under the peer's read limit
	writeLimit := readLimit / 3
	leftToWrite := b
	for len(leftToWrite) > 0 {
		toWrite := leftToWrite
		if len(toWrite) > writeLimit {
			toWrite = toWrite[:writeLimit]
		}
		leftToWrite = leftToWrite[len(toWrite):]

		msg := w.writeMsg(toWrite)
		if err := wsjson.Write(w.ctx, w.conn, &msg); err != nil {
			return len(b) - len(leftToWrite) - len(toWrite), err
		}
	}
	w.log.Debugf("wrote %d bytes", len(b))
	return len(b), nil
}

func (w *wsJSONWriter) Close() error {
	var err error
	sendClose := w.closeMsg != nil
	if sendClose {
		msg := w.closeMsg()
		err = wsjson.Write(w.ctx, w.conn, &msg)
	}
	w.log.Debugw("closed writer", "Error", err, "SentClose", sendClose)
	return err
}

// tail copies r to w. With follow set it keeps waiting for more data at EOF until ctx is done.
func tail(ctx context.Context, r io.Reader, w io.Writer, follow bool, interval time.Duration) error {
	buf := make([]byte, readLimit/3)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			if !follow {
				return nil
			}
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
			continue
		}
		if err != nil {
			return err
		}
	}
}

// streamLog sends a session's worker output over a WebSocket as LogChunk messages.
// With ?follow=true the stream stays open and delivers new output until the client goes away.
func (a *Agent) streamLog(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	id := params.ByName("id")
	path, err := a.ctrl.LogPath(id)
	if errors.Is(err, session.ErrUnknownSession) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, "no such file or directory", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer f.Close()
	follow := r.URL.Query().Get("follow") == "true"

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("log WebSocket accept error: %s", err)
		return
	}
	log := a.logger.Named("log_stream").With("ID", id, "Follow", follow)
	log.Debug("accepted WebSocket conn")

	// the client never sends data, CloseRead cancels ctx once it closes the conn
	ctx := wsConn.CloseRead(r.Context())
	out := &wsJSONWriter{
		log:  log,
		ctx:  ctx,
		conn: wsConn,
		writeMsg: func(b []byte) any {
			return LogChunk{Data: b}
		},
		closeMsg: func() any {
			return LogChunk{EOF: true}
		},
	}

	err = tail(ctx, f, out, follow, a.pollInterval)
	if err != nil {
		log.Debugf("error streaming log: %s", err)
		_ = wsjson.Write(ctx, wsConn, LogChunk{Error: err.Error()})
		wsConn.Close(websocket.StatusInternalError, "streaming log")
		return
	}
	if ctx.Err() != nil {
		return
	}
	_ = out.Close()
	if err := wsConn.Close(websocket.StatusNormalClosure, ""); err != nil {
		log.Debugf("error closing conn: %s", err)
	}
}
