package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/krishisetu/krishisetu/pkg/account"
	"go.uber.org/zap"
)

// ErrNoSession is returned by Watch when there is no session to watch.
var ErrNoSession = errors.New("no session token")

// Watch consumes the gateway's push stream (text/event-stream) for the
// current session and emits every event to OnSessionChange listeners. It
// blocks until ctx is cancelled or the stream ends.
//
// The stream request bypasses the client timeout; cancel ctx to stop it.
func (c *Client) Watch(ctx context.Context) error {
	token := c.AccessToken()
	if token == "" {
		return ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.gatewayBase+"/api/v1/auth/events", nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+token)

	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("open event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return newAPIError(resp.StatusCode, nil)
	}

	err = readEvents(resp, func(ev account.Event) {
		c.logger.Debug("push event", zap.String("event", string(ev.Type)))
		c.emit(ev)
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// readEvents parses "event:"/"data:" frames separated by blank lines.
// Unknown event names and undecodable frames are skipped.
func readEvents(resp *http.Response, fn func(account.Event)) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 4096), 1<<16)

	var name string
	var data strings.Builder
	flush := func() {
		defer func() {
			name = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return
		}
		var ev account.Event
		if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
			return
		}
		if ev.Type == "" {
			ev.Type = account.EventType(name)
		}
		switch ev.Type {
		case account.EventSignedOut, account.EventSessionEstablished:
			fn(ev)
		}
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, ":"):
			// comment / keep-alive
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	flush()
	return scanner.Err()
}
