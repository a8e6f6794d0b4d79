// Package sse reads server-sent event streams.
package sse

import (
	"bufio"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"
)

// Event is one dispatched server-sent event. Type is empty when the stream
// named none.
type Event struct {
	Type  string
	Data  string
	ID    string
	Retry time.Duration
}

// Reader splits a stream into events.
type Reader struct {
	r      *bufio.Reader
	lastID string
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// LastID is the most recent id field seen, for reconnect requests.
func (s *Reader) LastID() string { return s.lastID }

// Next returns the next event. Blocks without data lines are skipped, except
// for a retry hint which is still reported. At end of stream a pending event
// is returned first and io.EOF after.
func (s *Reader) Next() (Event, error) {
	var ev Event
	var data []string
	pending := false

	for {
		line, err := s.r.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			if errors.Is(err, io.EOF) && len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			return Event{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if len(data) > 0 || (pending && ev.Retry > 0) {
				ev.Data = strings.Join(data, "\n")
				return ev, nil
			}
			ev, pending = Event{}, false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		pending = true
		switch field {
		case "event":
			ev.Type = value
		case "data":
			data = append(data, value)
		case "id":
			if !strings.ContainsRune(value, 0) {
				ev.ID = value
				s.lastID = value
			}
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil && ms >= 0 {
				ev.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}
}
