// Package broadcast sends application messages over ready peer links.
package broadcast

import (
	"fmt"

	"github.com/mossy-p/roomlink/internal/logging"
	"github.com/mossy-p/roomlink/internal/models"
	"github.com/mossy-p/roomlink/internal/registry"
)

var log = logging.Logger("broadcast")

// Broadcaster encodes messages once and writes them to the registry's
// ready links. Delivery is best effort.
type Broadcaster struct {
	reg   *registry.Registry
	codec models.Codec
}

func New(reg *registry.Registry, codec models.Codec) *Broadcaster {
	if codec == nil {
		codec = models.JSONCodec{}
	}
	return &Broadcaster{reg: reg, codec: codec}
}

// BroadcastAll sends msg to every ready, writable link and returns how many
// sends succeeded. Per-link failures are logged, never returned; the only
// error is a message that cannot be encoded.
func (b *Broadcaster) BroadcastAll(msg models.Message) (int, error) {
	data, err := b.codec.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}

	sent := 0
	for _, link := range b.reg.ListReady() {
		if !link.Channel.Writable() {
			continue
		}
		if err := link.Channel.Send(data); err != nil {
			log.Warnw("send failed", "peer", link.ParticipantID, "type", msg.Type, "err", err)
			continue
		}
		sent++
	}
	return sent, nil
}

// SendTo sends msg to one participant. A missing or unready link is a
// silent no-op reported as false.
func (b *Broadcaster) SendTo(id models.ParticipantID, msg models.Message) (bool, error) {
	link, ok := b.reg.Get(id)
	if !ok || !link.Ready() || !link.Channel.Writable() {
		return false, nil
	}
	data, err := b.codec.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if err := link.Channel.Send(data); err != nil {
		log.Warnw("send failed", "peer", id, "type", msg.Type, "err", err)
		return false, nil
	}
	return true, nil
}
