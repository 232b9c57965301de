package backendconn

import (
	"encoding/binary"

	"github.com/dbproxy/mxcore/internal/wire"
)

// Reply is one fully-accumulated backend response: every physical packet
// belonging to one logical reply (which may itself chain several result
// sets via SERVER_MORE_RESULTS_EXISTS), framed exactly as read so it can
// be forwarded to the client with only its sequence numbers rewritten.
type Reply struct {
	Packets    [][]byte // payload only, one entry per physical packet
	FinalOK    bool
	FinalERR   bool
	Status     uint16
	RowCount   int
	ByteCount  int
}

// readReply reads packets from a packet source until one full logical
// reply (honoring multi-result-set chaining) has been accumulated. It
// mirrors the teacher's execBackendQuery loop, generalized to track row
// and byte counts for the policy vetoes §4.4 and §7 describe, and to
// understand CLIENT_DEPRECATE_EOF framing (no EOF packets at all; column
// definitions end by counting, and the final row is followed directly by
// an OK-as-EOF).
func readReply(read func() ([]byte, error), capabilities uint32) (*Reply, error) {
	deprecateEOF := capabilities&wire.ClientDeprecateEOF != 0
	reply := &Reply{}
	eofCount := 0
	colsLeft := -1 // column definitions still to come; -1 until a column count is seen

	for {
		packet, err := read()
		if err != nil {
			return nil, err
		}
		reply.Packets = append(reply.Packets, packet)
		reply.ByteCount += len(packet)

		if len(packet) == 0 {
			continue
		}

		switch {
		case wire.IsERR(packet):
			reply.FinalERR = true
			return reply, nil

		case wire.IsOK(packet) && eofCount == 0 && !deprecateEOF:
			// A leading OK with no prior column-count means this is a
			// plain OK reply (no result set), not a DEPRECATE_EOF
			// OK-as-EOF marker.
			if status, ok := wire.OKStatus(packet); ok {
				reply.Status = status
				if status&wire.ServerMoreResultsExist == 0 {
					reply.FinalOK = true
					return reply, nil
				}
				eofCount = 0
				continue
			}
			reply.FinalOK = true
			return reply, nil

		case deprecateEOF && (wire.IsOK(packet) || wire.IsEOFMarker(packet)):
			// Under DEPRECATE_EOF every terminator (plain-OK reply,
			// end-of-rows OK-as-EOF with its 0xFE header) is an OK packet;
			// the first one seen here ends this logical reply, chaining
			// only on MORE_RESULTS_EXISTS.
			okPkt := packet
			if okPkt[0] == wire.EOFHeader {
				okPkt = append([]byte{wire.OKHeader}, packet[1:]...)
			}
			if status, ok := wire.OKStatus(okPkt); ok {
				reply.Status = status
				if status&wire.ServerMoreResultsExist == 0 {
					reply.FinalOK = true
					return reply, nil
				}
				colsLeft = -1
				continue
			}
			reply.FinalOK = true
			return reply, nil

		case wire.IsEOFMarker(packet) && !deprecateEOF:
			eofCount++
			if eofCount >= 2 {
				status := uint16(0)
				if len(packet) >= 5 {
					status = binary.LittleEndian.Uint16(packet[3:5])
				}
				reply.Status = status
				if status&wire.ServerMoreResultsExist == 0 {
					return reply, nil
				}
				eofCount = 0
				colsLeft = -1
				continue
			}

		default:
			switch {
			case colsLeft < 0:
				n, _, _ := wire.ReadLengthEncodedInt(packet)
				colsLeft = int(n)
			case colsLeft > 0:
				colsLeft--
			default:
				reply.RowCount++
			}
		}
	}
}
