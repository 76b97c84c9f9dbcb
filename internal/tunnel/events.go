package tunnel

import (
	"net"

	"github.com/benmeehan/iot-tunnel/internal/models"
	"github.com/benmeehan/iot-tunnel/pkg/protocol"
	"github.com/benmeehan/iot-tunnel/pkg/secure"
)

// Events posted to the instance loop. gen identifies the connection attempt or session the
// event belongs to; events of an older generation are stale and dropped.
type (
	evTimer struct {
		kind timerKind
		seq  uint64
	}
	evDialed struct {
		gen uint64
		ch  secure.Channel
		err error
	}
	evHandshake struct {
		gen uint64
		err error
	}
	evFrame struct {
		gen   uint64
		frame protocol.Frame
	}
	evChannelDown struct {
		gen uint64
		err error
	}
	evWriterDone struct {
		gen uint64
	}
	evAccepted struct {
		gen  uint64
		pair pairKey
		conn net.Conn
	}
	evLocalData struct {
		gen  uint64
		key  streamKey
		data []byte
	}
	evLocalClosed struct {
		gen uint64
		key streamKey
		err error
	}
	evLocalDialed struct {
		gen  uint64
		key  streamKey
		conn net.Conn
		err  error
	}
	evReload struct {
		file     *models.TunnelFile
		explicit bool
	}
	evRelogin struct{}
)
