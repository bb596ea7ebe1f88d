// Package tape is the binary encoding of a simulation's market data stream.
// A tape is a sequence of records, each a 2 byte type and a 4 byte body
// length followed by the body. Integers are big endian and strings carry a
// one byte length prefix.
package tape

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"marketsim/internal/clock"
	"marketsim/internal/common"

	"github.com/google/uuid"
)

var (
	ErrInvalidRecordType = errors.New("invalid record type")
	ErrRecordTooShort    = errors.New("record too short")
	ErrFieldTooLong      = errors.New("string field longer than 255 bytes")
)

type RecordType uint16

const (
	QuoteRecord RecordType = iota + 1
	TransactionRecord
)

func (t RecordType) String() string {
	switch t {
	case QuoteRecord:
		return "QUOTE"
	case TransactionRecord:
		return "TRANSACTION"
	}
	return "UNKNOWN"
}

// Record format constants
const (
	headerLen = 2 + 4
	// market id length + time + seq + flags + bid + ask
	quoteFixedLen = 1 + 8 + 8 + 1 + 8 + 8 + 8 + 8
	// market id length + seq + time + price + quantity + two order ids + two
	// agent id lengths
	transactionFixedLen = 1 + 8 + 8 + 8 + 8 + 16 + 16 + 1 + 1
	maxBodyLen          = transactionFixedLen + 3*255
)

const (
	flagBid byte = 1 << iota
	flagAsk
)

// Record is one decoded tape entry. Exactly one of Quote and Transaction is
// meaningful, as given by Type.
type Record struct {
	Type        RecordType
	Quote       common.Quote
	Transaction common.Transaction
}

// Writer appends records to an underlying stream. The first write error is
// sticky.
type Writer struct {
	w       io.Writer
	buf     []byte
	err     error
	records uint64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Records returns the number of records written.
func (w *Writer) Records() uint64 { return w.records }

// Err returns the first error encountered.
func (w *Writer) Err() error { return w.err }

func (w *Writer) WriteQuote(q common.Quote) error {
	if err := checkLen(string(q.Market)); err != nil {
		return err
	}
	body := quoteFixedLen + len(q.Market)
	b := w.begin(QuoteRecord, body)
	b = putString(b, string(q.Market))
	b = binary.BigEndian.AppendUint64(b, uint64(q.Time))
	b = binary.BigEndian.AppendUint64(b, q.Seq)
	var flags byte
	if q.HasBid {
		flags |= flagBid
	}
	if q.HasAsk {
		flags |= flagAsk
	}
	b = append(b, flags)
	b = binary.BigEndian.AppendUint64(b, uint64(q.Bid.Price))
	b = binary.BigEndian.AppendUint64(b, uint64(q.Bid.Quantity))
	b = binary.BigEndian.AppendUint64(b, uint64(q.Ask.Price))
	b = binary.BigEndian.AppendUint64(b, uint64(q.Ask.Quantity))
	return w.flush(b)
}

func (w *Writer) WriteTransaction(tx common.Transaction) error {
	for _, s := range []string{string(tx.Market), string(tx.Buyer), string(tx.Seller)} {
		if err := checkLen(s); err != nil {
			return err
		}
	}
	body := transactionFixedLen + len(tx.Market) + len(tx.Buyer) + len(tx.Seller)
	b := w.begin(TransactionRecord, body)
	b = putString(b, string(tx.Market))
	b = binary.BigEndian.AppendUint64(b, tx.Seq)
	b = binary.BigEndian.AppendUint64(b, uint64(tx.Time))
	b = binary.BigEndian.AppendUint64(b, uint64(tx.Price))
	b = binary.BigEndian.AppendUint64(b, uint64(tx.Quantity))
	b = append(b, tx.BuyOrder[:]...)
	b = append(b, tx.SellOrder[:]...)
	b = putString(b, string(tx.Buyer))
	b = putString(b, string(tx.Seller))
	return w.flush(b)
}

func (w *Writer) begin(t RecordType, body int) []byte {
	b := w.buf[:0]
	b = binary.BigEndian.AppendUint16(b, uint16(t))
	return binary.BigEndian.AppendUint32(b, uint32(body))
}

func (w *Writer) flush(b []byte) error {
	w.buf = b
	if w.err != nil {
		return w.err
	}
	if _, err := w.w.Write(b); err != nil {
		w.err = fmt.Errorf("tape: write: %w", err)
		return w.err
	}
	w.records++
	return nil
}

func checkLen(s string) error {
	if len(s) > 255 {
		return fmt.Errorf("%w: %q", ErrFieldTooLong, s[:16]+"...")
	}
	return nil
}

func putString(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}

// Reader decodes records written by a Writer.
type Reader struct {
	r      io.Reader
	header [headerLen]byte
	body   []byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next returns the next record, or io.EOF at a clean end of the stream.
func (r *Reader) Next() (Record, error) {
	if _, err := io.ReadFull(r.r, r.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("%w: truncated header", ErrRecordTooShort)
		}
		return Record{}, err
	}
	typeOf := RecordType(binary.BigEndian.Uint16(r.header[0:2]))
	n := binary.BigEndian.Uint32(r.header[2:6])
	if n > maxBodyLen {
		return Record{}, fmt.Errorf("tape: body length %d exceeds %d", n, maxBodyLen)
	}
	if cap(r.body) < int(n) {
		r.body = make([]byte, n)
	}
	body := r.body[:n]
	if _, err := io.ReadFull(r.r, body); err != nil {
		return Record{}, fmt.Errorf("%w: truncated %v body", ErrRecordTooShort, typeOf)
	}
	return ParseRecord(typeOf, body)
}

// ReadAll decodes every record up to the end of the stream.
func (r *Reader) ReadAll() ([]Record, error) {
	var out []Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ParseRecord decodes one record body of the given type.
func ParseRecord(typeOf RecordType, body []byte) (Record, error) {
	switch typeOf {
	case QuoteRecord:
		q, err := parseQuote(body)
		return Record{Type: typeOf, Quote: q}, err
	case TransactionRecord:
		tx, err := parseTransaction(body)
		return Record{Type: typeOf, Transaction: tx}, err
	default:
		return Record{}, fmt.Errorf("%w: %d", ErrInvalidRecordType, typeOf)
	}
}

func parseQuote(msg []byte) (common.Quote, error) {
	d := decoder{msg: msg}
	var q common.Quote
	q.Market = common.MarketID(d.readString())
	q.Time = clock.TimeStamp(d.readUint64())
	q.Seq = d.readUint64()
	flags := d.readByte()
	q.HasBid = flags&flagBid != 0
	q.HasAsk = flags&flagAsk != 0
	q.Bid.Price = common.Price(d.readUint64())
	q.Bid.Quantity = int64(d.readUint64())
	q.Ask.Price = common.Price(d.readUint64())
	q.Ask.Quantity = int64(d.readUint64())
	if err := d.done(); err != nil {
		return common.Quote{}, err
	}
	return q, nil
}

func parseTransaction(msg []byte) (common.Transaction, error) {
	d := decoder{msg: msg}
	var tx common.Transaction
	tx.Market = common.MarketID(d.readString())
	tx.Seq = d.readUint64()
	tx.Time = clock.TimeStamp(d.readUint64())
	tx.Price = common.Price(d.readUint64())
	tx.Quantity = int64(d.readUint64())
	tx.BuyOrder = d.readUUID()
	tx.SellOrder = d.readUUID()
	tx.Buyer = common.AgentID(d.readString())
	tx.Seller = common.AgentID(d.readString())
	if err := d.done(); err != nil {
		return common.Transaction{}, err
	}
	return tx, nil
}

// decoder reads fields off a record body, recording the first short read.
type decoder struct {
	msg   []byte
	short bool
}

func (d *decoder) take(n int) []byte {
	if d.short || len(d.msg) < n {
		d.short = true
		return make([]byte, n)
	}
	b := d.msg[:n]
	d.msg = d.msg[n:]
	return b
}

func (d *decoder) readByte() byte      { return d.take(1)[0] }
func (d *decoder) readUint64() uint64  { return binary.BigEndian.Uint64(d.take(8)) }
func (d *decoder) readString() string  { return string(d.take(int(d.readByte()))) }
func (d *decoder) readUUID() uuid.UUID { return uuid.UUID(d.take(16)) }

func (d *decoder) done() error {
	if d.short {
		return ErrRecordTooShort
	}
	if len(d.msg) != 0 {
		return fmt.Errorf("tape: %d trailing bytes", len(d.msg))
	}
	return nil
}
