package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/oklog/ulid/v2"
	sse "github.com/tmaxmax/go-sse"
)

// topicAll carries every event; each event is also published on its session's topic.
const topicAll = "all"

func sessionTopic(id string) string { return "session:" + id }

// Event is published on the event stream after every handled request and kill.
type Event struct {
	ID      string
	Kind    string
	Session string `json:",omitempty"`
	// Type is the request type, Response the type of the worker's answer ("" when the answer was empty).
	Type     string `json:",omitempty"`
	Response string `json:",omitempty"`
	PID      int    `json:",omitempty"`
	Killed   bool   `json:",omitempty"`
	Time     time.Time
}

const (
	EventRequest = "request"
	EventKill    = "kill"
)

func newEventProvider() (*sse.Joe, error) {
	replayer, err := sse.NewValidReplayer(time.Hour, false)
	if err != nil {
		return nil, err
	}
	return &sse.Joe{Replayer: replayer}, nil
}

func (a *Agent) publish(ev Event) {
	ev.ID = ulid.Make().String()
	ev.Time = time.Now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		a.logger.Debugf("error marshaling event: %s", err)
		return
	}
	msg := &sse.Message{ID: sse.ID(ev.ID)}
	msg.AppendData(string(b))
	topics := []string{topicAll}
	if ev.Session != "" {
		topics = append(topics, sessionTopic(ev.Session))
	}
	if err := a.events.Publish(msg, topics); err != nil {
		a.logger.Debugf("error publishing event: %s", err)
	}
}

type channelMessageWriter struct {
	ch chan *sse.Message
}

func (w *channelMessageWriter) Send(message *sse.Message) error {
	select {
	case w.ch <- message.Clone():
		return nil
	default:
		return errors.New("event subscriber is backpressured")
	}
}

func (w *channelMessageWriter) Flush() error {
	return nil
}

func (a *Agent) allEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.streamEvents(w, r, topicAll)
}

func (a *Agent) sessionEvents(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.streamEvents(w, r, sessionTopic(params.ByName("id")))
}

// streamEvents serves a topic as server-sent events. Clients reconnecting with Last-Event-ID get what they missed.
func (a *Agent) streamEvents(w http.ResponseWriter, r *http.Request, topic string) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ready := &sse.Message{}
	ready.AppendComment("ready")
	if err := sess.Send(ready); err != nil {
		return
	}
	_ = sess.Flush()

	writer := &channelMessageWriter{ch: make(chan *sse.Message, 128)}
	sub := sse.Subscription{
		Client: writer,
		Topics: []string{topic},
	}
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		sub.LastEventID = sse.ID(lastEventID)
	}
	subscribeErr := make(chan error, 1)
	go func() {
		subscribeErr <- a.events.Subscribe(r.Context(), sub)
	}()
	for {
		select {
		case <-r.Context().Done():
			return
		case err := <-subscribeErr:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Debugf("event subscription ended: %s", err)
			}
			return
		case message := <-writer.ch:
			if err := sess.Send(message); err != nil {
				return
			}
			_ = sess.Flush()
		}
	}
}
