package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/cfdp/internal/mib"
	"github.com/danmuck/cfdp/internal/pdu"
	"github.com/rs/zerolog/log"
)

const maxDatagram = 65535

// UDP sends each PDU as one datagram. Peer addresses come from the MIB
// remote-entity ut_address and are resolved on first use.
type UDP struct {
	conn *net.UDPConn
	mib  *mib.MIB
	recv chan []byte
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu    sync.Mutex
	peers map[pdu.EntityID]*net.UDPAddr
}

func ListenUDP(addr string, m *mib.MIB) (*UDP, error) {
	local, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	u := &UDP{
		conn:  conn,
		mib:   m,
		recv:  make(chan []byte, defaultBuffer),
		done:  make(chan struct{}),
		peers: make(map[pdu.EntityID]*net.UDPAddr),
	}
	u.wg.Add(1)
	go u.readLoop()
	log.Info().Str("addr", conn.LocalAddr().String()).Msg("udp transport listening")
	return u, nil
}

func (u *UDP) Addr() net.Addr {
	return u.conn.LocalAddr()
}

func (u *UDP) readLoop() {
	defer u.wg.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("udp read")
			continue
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case u.recv <- data:
		case <-u.done:
			return
		default:
			log.Warn().Str("from", from.String()).Int("bytes", n).Msg("udp receive queue full, datagram dropped")
		}
	}
}

func (u *UDP) peer(dest pdu.EntityID) (*net.UDPAddr, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if addr, ok := u.peers[dest]; ok {
		return addr, nil
	}
	raw := u.mib.Remote(dest).UTAddress
	if raw == "" {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPeer, dest)
	}
	addr, err := net.ResolveUDPAddr("udp", raw)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve entity %d at %s: %w", dest, raw, err)
	}
	u.peers[dest] = addr
	return addr, nil
}

func (u *UDP) Send(dest pdu.EntityID, _ pdu.TransactionID, raw []byte) error {
	select {
	case <-u.done:
		return ErrClosed
	default:
	}
	addr, err := u.peer(dest)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(raw, addr)
	return err
}

func (u *UDP) Receive() <-chan []byte {
	return u.recv
}

func (u *UDP) Close() error {
	var err error
	u.once.Do(func() {
		close(u.done)
		err = u.conn.Close()
		u.wg.Wait()
		close(u.recv)
	})
	return err
}
