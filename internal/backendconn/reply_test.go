package backendconn

import (
	"testing"

	"github.com/dbproxy/mxcore/internal/wire"
)

func feeder(packets [][]byte) func() ([]byte, error) {
	i := 0
	return func() ([]byte, error) {
		p := packets[i]
		i++
		return p, nil
	}
}

func TestReadReplySimpleOK(t *testing.T) {
	ok := wire.WriteOKPacket(1, 0, wire.ServerStatusAutocommit, wire.ClientProtocol41)
	reply, err := readReply(feeder([][]byte{ok}), wire.ClientProtocol41)
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	if !reply.FinalOK || reply.FinalERR {
		t.Fatalf("reply = %+v", reply)
	}
}

func TestReadReplyError(t *testing.T) {
	errPkt := wire.WriteErrorPacket(1045, "28000", "Access denied", wire.ClientProtocol41)
	reply, err := readReply(feeder([][]byte{errPkt}), wire.ClientProtocol41)
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	if !reply.FinalERR {
		t.Fatal("expected FinalERR")
	}
}

func TestReadReplyResultSetWithClassicEOF(t *testing.T) {
	colCount := wire.PutLengthEncodedInt(1)
	colDef := []byte("coldef")
	eof1 := wire.WriteEOFPacket(0, wire.ClientProtocol41)
	row := []byte("row1")
	eof2 := wire.WriteEOFPacket(wire.ServerStatusAutocommit, wire.ClientProtocol41)

	packets := [][]byte{colCount, colDef, eof1, row, eof2}
	reply, err := readReply(feeder(packets), wire.ClientProtocol41) // no DEPRECATE_EOF
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	if reply.FinalOK || reply.FinalERR {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.Packets) != len(packets) {
		t.Fatalf("packets = %d, want %d", len(reply.Packets), len(packets))
	}
	if reply.RowCount != 1 {
		// Only the data row counts; the column-count and column-definition
		// packets ahead of the first EOF are not rows.
		t.Fatalf("rowCount = %d, want 1", reply.RowCount)
	}
}

func TestReadReplyChainsOnMoreResultsExist(t *testing.T) {
	ok1 := wire.WriteOKPacket(1, 0, wire.ServerMoreResultsExist, wire.ClientProtocol41)
	ok2 := wire.WriteOKPacket(2, 0, wire.ServerStatusAutocommit, wire.ClientProtocol41)
	reply, err := readReply(feeder([][]byte{ok1, ok2}), wire.ClientProtocol41)
	if err != nil {
		t.Fatalf("readReply: %v", err)
	}
	if !reply.FinalOK {
		t.Fatal("expected final OK after chained results")
	}
	if len(reply.Packets) != 2 {
		t.Fatalf("packets = %d, want 2", len(reply.Packets))
	}
}

func TestTranslateExecuteRewritesStatementID(t *testing.T) {
	c := &Conn{}
	payload := make([]byte, 10)
	payload[0] = wire.ComStmtExecute
	putLEUint32(payload[1:5], 7) // client-visible ID

	out, err := c.TranslateExecute(payload, map[uint32]uint32{7: 99})
	if err != nil {
		t.Fatalf("TranslateExecute: %v", err)
	}
	if leUint32(out[1:5]) != 99 {
		t.Fatalf("translated id = %d, want 99", leUint32(out[1:5]))
	}
	// original untouched
	if leUint32(payload[1:5]) != 7 {
		t.Fatal("TranslateExecute must not mutate its input")
	}
}

func TestTranslateExecuteUnknownStatement(t *testing.T) {
	c := &Conn{}
	payload := make([]byte, 10)
	payload[0] = wire.ComStmtExecute
	putLEUint32(payload[1:5], 7)

	if _, err := c.TranslateExecute(payload, map[uint32]uint32{}); err == nil {
		t.Fatal("expected error for an unprepared statement id")
	}
}
