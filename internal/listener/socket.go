/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package listener

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/astrosentinel/alert-sentinel/internal/config"
)

const (
	// socketKeepalive bounds the wait for the next framed packet; the
	// server sends iamalive pings well inside it.
	socketKeepalive = 90 * time.Second
	// socketMaxFrame rejects absurd length prefixes from a confused peer.
	socketMaxFrame = 16 << 20
	// socketMaxBackoff caps the reconnect delay.
	socketMaxBackoff = 8 * time.Second
)

// SocketListener consumes the legacy VOEvent Transport Protocol feed:
// length-prefixed XML packets over a long-lived TCP connection, with
// iamalive pings echoed back to the server.
type SocketListener struct {
	cfg      config.VOServer
	localIVO string
	ingestor *Ingestor
	tracker  *Tracker
	log      *zap.Logger

	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewSocketListener builds a SOCKET-mode listener.
func NewSocketListener(cfg config.VOServer, localIVO string, ing *Ingestor, tr *Tracker, log *zap.Logger) *SocketListener {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return &SocketListener{
		cfg:      cfg,
		localIVO: localIVO,
		ingestor: ing,
		tracker:  tr,
		log:      log.Named("voevent-socket"),
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// Run cycles through the configured hosts until the context is cancelled,
// reconnecting with capped backoff.
func (l *SocketListener) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = socketMaxBackoff
	bo.MaxElapsedTime = 0

	for host := 0; ; host = (host + 1) % len(l.cfg.Hosts) {
		if err := ctx.Err(); err != nil {
			return err
		}
		addr := fmt.Sprintf("%s:%d", l.cfg.Hosts[host], l.cfg.Port)
		if err := l.serve(ctx, addr); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("connection lost, reconnecting",
				zap.String("addr", addr), zap.Error(err))
		} else {
			bo.Reset()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// serve drains one connection until it fails or the context ends.
func (l *SocketListener) serve(ctx context.Context, addr string) error {
	conn, err := l.dial(ctx, addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	l.log.Info("connected", zap.String("addr", addr))

	stop := context.AfterFunc(ctx, func() {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseRead()
		}
		_ = conn.Close()
	})
	defer stop()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(socketKeepalive)); err != nil {
			return err
		}
		packet, err := readFrame(conn)
		if err != nil {
			return err
		}
		l.tracker.Touch()

		if t := parseTransport(packet); t != nil && t.Role == "iamalive" {
			if err := writeFrame(conn, l.iamaliveResponse(t.Origin)); err != nil {
				return err
			}
			continue
		}

		ivorn := voeventIVORN(packet)
		l.ingestor.Ingest(ctx, packet)
		if ivorn != "" {
			if err := writeFrame(conn, l.ackResponse(ivorn)); err != nil {
				return err
			}
		}
	}
}

// readFrame reads one 4-byte big-endian length-prefixed packet.
func readFrame(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return nil, err
	}
	if size == 0 || size > socketMaxFrame {
		return nil, fmt.Errorf("invalid frame length %d", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeFrame sends one length-prefixed packet.
func writeFrame(w io.Writer, payload []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(payload))); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// transport is the minimal shape of a VTP control packet.
type transport struct {
	Role   string `xml:"role,attr"`
	Origin string `xml:"Origin"`
}

func parseTransport(packet []byte) *transport {
	if !bytes.Contains(packet, []byte("Transport")) {
		return nil
	}
	var t transport
	if err := xml.Unmarshal(packet, &t); err != nil {
		return nil
	}
	return &t
}

// voeventIVORN extracts the ivorn attribute for acknowledgment.
func voeventIVORN(packet []byte) string {
	var v struct {
		IVORN string `xml:"ivorn,attr"`
	}
	if err := xml.Unmarshal(packet, &v); err != nil {
		return ""
	}
	return v.IVORN
}

func (l *SocketListener) iamaliveResponse(origin string) []byte {
	return l.transportResponse("iamalive", origin)
}

func (l *SocketListener) ackResponse(ivorn string) []byte {
	return l.transportResponse("ack", ivorn)
}

func (l *SocketListener) transportResponse(role, origin string) []byte {
	return []byte(fmt.Sprintf(
		`<?xml version='1.0' encoding='UTF-8'?>`+
			`<trn:Transport role="%s" version="1.0"`+
			` xmlns:trn="http://www.telescope-networks.org/xml/Transport/v1.1">`+
			`<Origin>%s</Origin><Response>%s</Response><TimeStamp>%s</TimeStamp>`+
			`</trn:Transport>`,
		role, origin, l.localIVO, time.Now().UTC().Format("2006-01-02T15:04:05")))
}
