package go_otdoa

import (
	"fmt"

	"github.com/samber/lo"
)

// Message is a typed request carried through a dispatcher queue.
//
// On the wire a message occupies one pool block as
// [kind:uint32][length:uint32][payload:length bytes].
type Message interface {
	// Kind returns the MSG_* identifier.
	Kind() uint32
	// Len returns the exact encoded payload size.
	Len() int
	encode(s *Stream) error
}

// EncodedSize is the number of block bytes msg needs including its header.
func EncodedSize(msg Message) int {
	return MESSAGE_HEADER_SIZE + msg.Len()
}

// GetAlmanac requests a uBSA download for the area around a cell.
type GetAlmanac struct {
	URL            string // Server to bind; empty selects the configured download host
	ResetBlacklist bool
	ECGI           uint32
	DLEARFCN       uint32
	Radius         uint32
	NumCells       uint32
}

func (m *GetAlmanac) Kind() uint32 { return MSG_GET_ALMANAC }
func (m *GetAlmanac) Len() int     { return lenPrefixedSize(m.URL) + 1 + 16 }

func (m *GetAlmanac) encode(s *Stream) error {
	if len(m.URL) > URL_MAX_LEN {
		return fmt.Errorf("%w: url longer than %d", ErrInvalidArgument, URL_MAX_LEN)
	}
	if err := s.WriteLenPrefixedString(m.URL); err != nil {
		return err
	}
	s.WriteByte(lo.Ternary[byte](m.ResetBlacklist, 1, 0))
	for _, v := range []uint32{m.ECGI, m.DLEARFCN, m.Radius, m.NumCells} {
		if err := s.WriteUint32(v); err != nil {
			return err
		}
	}
	return nil
}

func decodeGetAlmanac(s *Stream) (*GetAlmanac, error) {
	m := &GetAlmanac{}
	var err error
	if m.URL, err = s.ReadLenPrefixedString(); err != nil {
		return nil, err
	}
	reset, err := s.ReadByte()
	if err != nil {
		return nil, err
	}
	m.ResetBlacklist = reset != 0
	for _, dst := range []*uint32{&m.ECGI, &m.DLEARFCN, &m.Radius, &m.NumCells} {
		if *dst, err = s.ReadUint32(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// GetConfig requests the device configuration file.
type GetConfig struct{}

func (m *GetConfig) Kind() uint32         { return MSG_GET_CONFIG }
func (m *GetConfig) Len() int             { return 0 }
func (m *GetConfig) encode(*Stream) error { return nil }

// TestAuth performs a single authenticated request to check the token signer.
type TestAuth struct{}

func (m *TestAuth) Kind() uint32         { return MSG_TEST_AUTH }
func (m *TestAuth) Len() int             { return 0 }
func (m *TestAuth) encode(*Stream) error { return nil }

// Rebind re-resolves the download server and rebinds the transport.
type Rebind struct{}

func (m *Rebind) Kind() uint32         { return MSG_REBIND }
func (m *Rebind) Len() int             { return 0 }
func (m *Rebind) encode(*Stream) error { return nil }

// ResultDetails are the measurement details attached to a position estimate.
type ResultDetails struct {
	ServingCellECGI   uint32
	ServingRSSIdBm    int32
	DLEARFCN          uint32
	EstimateAlgorithm string
	SessionLength     uint32
	ECGIList          []uint32
	TOADetectCount    []uint16
}

// Results is a computed position estimate.
type Results struct {
	Latitude  float64
	Longitude float64
	Accuracy  float32
	Details   ResultDetails
}

func (r *Results) len() int {
	return 8 + 8 + 4 + 4 + 4 + 4 + lenPrefixedSize(r.Details.EstimateAlgorithm) + 4 + 2 + 6*len(r.Details.ECGIList)
}

func (r *Results) validate() error {
	d := &r.Details
	switch {
	case len(d.EstimateAlgorithm) > ALGORITHM_NAME_MAX:
		return fmt.Errorf("%w: algorithm name longer than %d", ErrInvalidArgument, ALGORITHM_NAME_MAX)
	case len(d.ECGIList) > MAX_MEASURED_CELLS:
		return fmt.Errorf("%w: %d cells exceeds %d", ErrInvalidArgument, len(d.ECGIList), MAX_MEASURED_CELLS)
	case len(d.ECGIList) != len(d.TOADetectCount):
		return fmt.Errorf("%w: %d cells but %d detection counts", ErrInvalidArgument, len(d.ECGIList), len(d.TOADetectCount))
	}
	return nil
}

func (r *Results) encode(s *Stream) error {
	if err := r.validate(); err != nil {
		return err
	}
	d := &r.Details
	s.WriteFloat64(r.Latitude)
	s.WriteFloat64(r.Longitude)
	s.WriteFloat32(r.Accuracy)
	s.WriteUint32(d.ServingCellECGI)
	s.WriteUint32(uint32(d.ServingRSSIdBm))
	s.WriteUint32(d.DLEARFCN)
	if err := s.WriteLenPrefixedString(d.EstimateAlgorithm); err != nil {
		return err
	}
	s.WriteUint32(d.SessionLength)
	s.WriteUint16(uint16(len(d.ECGIList)))
	for _, ecgi := range d.ECGIList {
		s.WriteUint32(ecgi)
	}
	for _, count := range d.TOADetectCount {
		if err := s.WriteUint16(count); err != nil {
			return err
		}
	}
	return nil
}

func decodeResults(s *Stream) (*Results, error) {
	r := &Results{}
	d := &r.Details
	var err error
	if r.Latitude, err = s.ReadFloat64(); err != nil {
		return nil, err
	}
	if r.Longitude, err = s.ReadFloat64(); err != nil {
		return nil, err
	}
	if r.Accuracy, err = s.ReadFloat32(); err != nil {
		return nil, err
	}
	if d.ServingCellECGI, err = s.ReadUint32(); err != nil {
		return nil, err
	}
	rssi, err := s.ReadUint32()
	if err != nil {
		return nil, err
	}
	d.ServingRSSIdBm = int32(rssi)
	if d.DLEARFCN, err = s.ReadUint32(); err != nil {
		return nil, err
	}
	if d.EstimateAlgorithm, err = s.ReadLenPrefixedString(); err != nil {
		return nil, err
	}
	if d.SessionLength, err = s.ReadUint32(); err != nil {
		return nil, err
	}
	n, err := s.ReadUint16()
	if err != nil {
		return nil, err
	}
	if n > MAX_MEASURED_CELLS {
		return nil, fmt.Errorf("%w: %d cells", ErrMessageParsing, n)
	}
	d.ECGIList = make([]uint32, n)
	for i := range d.ECGIList {
		if d.ECGIList[i], err = s.ReadUint32(); err != nil {
			return nil, err
		}
	}
	d.TOADetectCount = make([]uint16, n)
	for i := range d.TOADetectCount {
		if d.TOADetectCount[i], err = s.ReadUint16(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// UploadResults posts a position estimate to the results server.
type UploadResults struct {
	URL     string // Server to bind; empty selects the configured upload URL
	Results *Results
	Notes   string
	TrueLat string
	TrueLon string
}

func (m *UploadResults) Kind() uint32 { return MSG_UPLOAD_RESULTS }

func (m *UploadResults) Len() int {
	n := lenPrefixedSize(m.URL) + lenPrefixedSize(m.Notes) + lenPrefixedSize(m.TrueLat) + lenPrefixedSize(m.TrueLon)
	if m.Results != nil {
		n += m.Results.len()
	}
	return n
}

func (m *UploadResults) encode(s *Stream) error {
	if m.Results == nil {
		return fmt.Errorf("%w: nil results", ErrInvalidArgument)
	}
	if len(m.URL) > URL_MAX_LEN {
		return fmt.Errorf("%w: url longer than %d", ErrInvalidArgument, URL_MAX_LEN)
	}
	for _, str := range []string{m.URL, m.Notes, m.TrueLat, m.TrueLon} {
		if err := s.WriteLenPrefixedString(str); err != nil {
			return err
		}
	}
	return m.Results.encode(s)
}

func decodeUploadResults(s *Stream) (*UploadResults, error) {
	m := &UploadResults{}
	for _, dst := range []*string{&m.URL, &m.Notes, &m.TrueLat, &m.TrueLon} {
		str, err := s.ReadLenPrefixedString()
		if err != nil {
			return nil, err
		}
		*dst = str
	}
	results, err := decodeResults(s)
	if err != nil {
		return nil, err
	}
	m.Results = results
	return m, nil
}

// RawMessage is an opaque message for the RS queue, or any kind this
// package does not decode.
type RawMessage struct {
	ID      uint32
	Payload []byte
}

func (m *RawMessage) Kind() uint32 { return m.ID }
func (m *RawMessage) Len() int     { return len(m.Payload) }

func (m *RawMessage) encode(s *Stream) error {
	_, err := s.Write(m.Payload)
	return err
}

// encodeMessage writes the block header and payload of msg into s.
func encodeMessage(s *Stream, msg Message) error {
	if err := s.WriteUint32(msg.Kind()); err != nil {
		return err
	}
	if err := s.WriteUint32(uint32(msg.Len())); err != nil {
		return err
	}
	return msg.encode(s)
}

// DecodeMessage reconstructs the message stored in a pool block. Kinds this
// package does not know are returned as *RawMessage.
func DecodeMessage(block []byte) (Message, error) {
	s := NewStream(block)
	kind, err := s.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: kind: %v", ErrMessageParsing, err)
	}
	length, err := s.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: length: %v", ErrMessageParsing, err)
	}
	if int(length) > s.Len() {
		return nil, fmt.Errorf("%w: %s length %d exceeds block", ErrMessageParsing, getMessageTypeName(kind), length)
	}
	payload := NewStream(s.Next(int(length)))

	var msg Message
	switch kind {
	case MSG_GET_ALMANAC:
		msg, err = decodeGetAlmanac(payload)
	case MSG_GET_CONFIG:
		msg = &GetConfig{}
	case MSG_UPLOAD_RESULTS:
		msg, err = decodeUploadResults(payload)
	case MSG_TEST_AUTH:
		msg = &TestAuth{}
	case MSG_REBIND:
		msg = &Rebind{}
	default:
		msg = &RawMessage{ID: kind, Payload: append([]byte(nil), payload.Bytes()...)}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMessageParsing, getMessageTypeName(kind), err)
	}
	return msg, nil
}
