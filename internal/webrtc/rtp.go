package webrtc

import (
	"context"
	stderrors "errors"
	"net"
	"time"

	"github.com/HMasataka/castline/internal/logging"
	"github.com/HMasataka/castline/pkg/errors"
	"github.com/pion/rtp"
)

// DefaultMTU is the read buffer size for incoming RTP datagrams
const DefaultMTU = 1500

// RTPWriter accepts RTP packets; *webrtc.TrackLocalStaticRTP implements it
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// ListenRTP binds the UDP address a media source sends RTP to
func ListenRTP(addr string) (*net.UDPConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "RESOLVE_UDP", "failed to resolve RTP address")
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "LISTEN_UDP", "failed to listen for RTP")
	}
	return conn, nil
}

// PumpRTP reads RTP datagrams from conn and writes them to w until ctx is
// done. Datagrams that do not parse as RTP are skipped.
func PumpRTP(ctx context.Context, conn net.PacketConn, w RTPWriter, mtu int, logger *logging.Logger) error {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	buf := make([]byte, mtu)

	for {
		// short deadline so ctx is noticed without closing conn
		_ = conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if stderrors.As(err, &ne) && ne.Timeout() {
				if ctx.Err() != nil {
					return nil
				}
				continue
			}
			if stderrors.Is(err, net.ErrClosed) {
				return nil
			}
			return errors.Wrap(err, errors.ErrorTypeTransport, "READ_UDP", "failed to read RTP")
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			logger.Debug("skipping non-RTP datagram", "bytes", n)
			continue
		}

		if err := w.WriteRTP(&pkt); err != nil {
			return errors.Wrap(err, errors.ErrorTypeWebRTC, "WRITE_RTP", "failed to write RTP to track")
		}

		if ctx.Err() != nil {
			return nil
		}
	}
}
