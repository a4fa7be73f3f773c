// Package transport moves encoded PDUs between entities.
//
// Transports are byte pipes: they never decode. Receive delivers whole
// PDUs, one per slice, and is closed when the transport closes.
package transport

import (
	"errors"

	"github.com/danmuck/cfdp/internal/pdu"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnknownPeer = errors.New("transport: no address for entity")
	ErrBufferFull  = errors.New("transport: receive buffer full")
)

type Transport interface {
	Send(dest pdu.EntityID, id pdu.TransactionID, raw []byte) error
	Receive() <-chan []byte
	Close() error
}

const defaultBuffer = 256
