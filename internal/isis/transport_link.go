package isis

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/routersim/routersim/internal/netio"
)

// LinkTransport adapts a netio.Link into the Transport interface,
// gob-encoding each decoded Message as the Link's opaque wire payload —
// the same binding internal/bgp.LinkTransport and internal/ospf's
// provide, since IS-IS wire conformance is equally out of scope
// (spec.md §1 Non-goals).
type LinkTransport struct {
	link   netio.Link
	logger *slog.Logger
}

// NewLinkTransport wraps link for use as a Router's Transport.
func NewLinkTransport(link netio.Link, logger *slog.Logger) *LinkTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkTransport{link: link, logger: logger.With(slog.String("component", "isis.transport"))}
}

// Send implements Transport.
func (t *LinkTransport) Send(peer netip.Addr, msg Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("isis: encode message to %s: %w", peer, err)
	}
	if err := t.link.Send(context.Background(), peer, buf.Bytes()); err != nil {
		return fmt.Errorf("isis: send to %s: %w", peer, err)
	}
	return nil
}

// Run reads decoded Messages off the link and dispatches them to handle
// until ctx is cancelled or the link closes.
func (t *LinkTransport) Run(ctx context.Context, handle func(peer netip.Addr, msg Message) error) error {
	for {
		wire, src, err := t.link.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("isis: receive: %w", err)
		}

		var msg Message
		if decErr := gob.NewDecoder(bytes.NewReader(wire)).Decode(&msg); decErr != nil {
			t.logger.Warn("malformed isis message, discarding",
				slog.String("peer", src.String()),
				slog.String("error", decErr.Error()))
			continue
		}

		if err := handle(src, msg); err != nil {
			t.logger.Warn("failed to handle isis message",
				slog.String("peer", src.String()),
				slog.String("error", err.Error()))
		}
	}
}
