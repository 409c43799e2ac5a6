package relay

import (
	"github.com/mojo333/broadcast-relay/internal/logger"
)

// Open acquires one raw socket per attachment and the receive socket. On
// failure every handle acquired so far is released.
func Open(res *Resolved, log *logger.Logger, m *Metrics) (*PacketRelay, error) {
	var tx [2]Transmitter
	release := func() {
		for _, t := range tx {
			if t != nil {
				t.Close()
			}
		}
	}

	for _, s := range []Side{Left, Right} {
		sock, err := OpenRawSocket(res.Attachments[s].Interface)
		if err != nil {
			release()
			return nil, err
		}
		tx[s] = sock
	}

	rx, err := Listen(res.Port)
	if err != nil {
		release()
		return nil, err
	}
	return New(res, rx, tx, log, m), nil
}
