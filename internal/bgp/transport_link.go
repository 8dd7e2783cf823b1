package bgp

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
// gob-encoding each decoded Message as the Link's opaque wire payload.
// Full BGP wire conformance is out of scope for the simulator (spec.md
// §1 Non-goals), so this is the production binding referred to in
// message.go's Transport doc comment: a real Link, carrying decoded Go
// values instead of RFC 4271 octets.
type LinkTransport struct {
	link   netio.Link
	logger *slog.Logger
}

// NewLinkTransport wraps link for use as a Speaker's Transport.
func NewLinkTransport(link netio.Link, logger *slog.Logger) *LinkTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LinkTransport{link: link, logger: logger.With(slog.String("component", "bgp.transport"))}
}

// Send implements Transport.
func (t *LinkTransport) Send(peer netip.Addr, msg Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(msg); err != nil {
		return fmt.Errorf("bgp: encode message to %s: %w", peer, err)
	}
	if err := t.link.Send(context.Background(), peer, buf.Bytes()); err != nil {
		return fmt.Errorf("bgp: send to %s: %w", peer, err)
	}
	return nil
}

// Run reads decoded Messages off the link and dispatches them to handle
// until ctx is cancelled or the link closes. A malformed payload is
// logged and discarded rather than torn down, per spec.md §4.4 "a
// malformed message increments an error counter and is discarded; the
// session is not torn down".
func (t *LinkTransport) Run(ctx context.Context, handle func(peer netip.Addr, msg Message) error) error {
	for {
		wire, src, err := t.link.Recv(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bgp: receive: %w", err)
		}

		var msg Message
		if decErr := gob.NewDecoder(bytes.NewReader(wire)).Decode(&msg); decErr != nil {
			t.logger.Warn("malformed bgp message, discarding",
				slog.String("peer", src.String()),
				slog.String("error", decErr.Error()))
			continue
		}

		if err := handle(src, msg); err != nil {
			t.logger.Warn("failed to handle bgp message",
				slog.String("peer", src.String()),
				slog.String("error", err.Error()))
		}
	}
}
