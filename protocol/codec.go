package protocol

import (
	"encoding/binary"
	"errors"
)

// ErrTruncated indicates a message buffer ended before all expected fields
// were read, mirroring file/manager.go's deserializeX sentinel errors.
var ErrTruncated = errors.New("protocol: message truncated")

// --- string helpers: uint32 little-endian byte-length prefix + UTF-8 bytes ---

func putString(buf []byte, s string) []byte {
	b := make([]byte, 4+len(s))
	binary.LittleEndian.PutUint32(b[0:4], uint32(len(s)))
	copy(b[4:], s)
	return append(buf, b...)
}

func readString(data []byte) (string, []byte, error) {
	if len(data) < 4 {
		return "", nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(data[0:4])
	data = data[4:]
	if uint32(len(data)) < n {
		return "", nil, ErrTruncated
	}
	return string(data[:n]), data[n:], nil
}

// --- UserAddressRequest ---

// Encode serializes a UserAddressRequest.
func (m UserAddressRequest) Encode() []byte {
	return putString(nil, m.Username)
}

// DecodeUserAddressRequest parses a UserAddressRequest payload.
func DecodeUserAddressRequest(data []byte) (UserAddressRequest, error) {
	username, _, err := readString(data)
	if err != nil {
		return UserAddressRequest{}, err
	}
	return UserAddressRequest{Username: username}, nil
}

// --- UserAddressResponse ---

// Encode serializes a UserAddressResponse.
func (m UserAddressResponse) Encode() []byte {
	buf := putString(nil, m.Username)
	buf = append(buf, m.IP[:]...)
	port := make([]byte, 2)
	binary.LittleEndian.PutUint16(port, m.Port)
	return append(buf, port...)
}

// DecodeUserAddressResponse parses a UserAddressResponse payload.
func DecodeUserAddressResponse(data []byte) (UserAddressResponse, error) {
	username, rest, err := readString(data)
	if err != nil {
		return UserAddressResponse{}, err
	}
	if len(rest) < 6 {
		return UserAddressResponse{}, ErrTruncated
	}
	var ip [4]byte
	copy(ip[:], rest[0:4])
	port := binary.LittleEndian.Uint16(rest[4:6])
	return UserAddressResponse{Username: username, IP: ip, Port: port}, nil
}

// --- optional uint64 helper ---

func putOptionalUint64(buf []byte, v *uint64) []byte {
	if v == nil {
		return append(buf, 0)
	}
	b := make([]byte, 9)
	b[0] = 1
	binary.LittleEndian.PutUint64(b[1:], *v)
	return append(buf, b...)
}

func readOptionalUint64(data []byte) (*uint64, []byte, error) {
	if len(data) < 1 {
		return nil, nil, ErrTruncated
	}
	present := data[0]
	data = data[1:]
	if present == 0 {
		return nil, data, nil
	}
	if len(data) < 8 {
		return nil, nil, ErrTruncated
	}
	v := binary.LittleEndian.Uint64(data[:8])
	return &v, data[8:], nil
}

// --- TransferRequest ---

// Encode serializes a TransferRequest.
func (m TransferRequest) Encode() []byte {
	buf := make([]byte, 0, 16+len(m.Filename))
	dir := make([]byte, 4)
	binary.LittleEndian.PutUint32(dir, uint32(m.Direction))
	buf = append(buf, dir...)

	tok := make([]byte, 4)
	binary.LittleEndian.PutUint32(tok, m.Token)
	buf = append(buf, tok...)

	buf = putString(buf, m.Filename)
	buf = putOptionalUint64(buf, m.Size)
	return buf
}

// DecodeTransferRequest parses a TransferRequest payload.
func DecodeTransferRequest(data []byte) (TransferRequest, error) {
	if len(data) < 8 {
		return TransferRequest{}, ErrTruncated
	}
	direction := Direction(binary.LittleEndian.Uint32(data[0:4]))
	token := binary.LittleEndian.Uint32(data[4:8])
	rest := data[8:]

	filename, rest, err := readString(rest)
	if err != nil {
		return TransferRequest{}, err
	}

	size, _, err := readOptionalUint64(rest)
	if err != nil {
		return TransferRequest{}, err
	}

	return TransferRequest{Direction: direction, Token: token, Filename: filename, Size: size}, nil
}

// --- TransferResponse ---

func putOptionalString(buf []byte, s *string) []byte {
	if s == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return putString(buf, *s)
}

func readOptionalString(data []byte) (*string, []byte, error) {
	if len(data) < 1 {
		return nil, nil, ErrTruncated
	}
	present := data[0]
	data = data[1:]
	if present == 0 {
		return nil, data, nil
	}
	s, rest, err := readString(data)
	if err != nil {
		return nil, nil, err
	}
	return &s, rest, nil
}

// Encode serializes a TransferResponse.
func (m TransferResponse) Encode() []byte {
	buf := make([]byte, 0, 16+len("Queued"))
	tok := make([]byte, 4)
	binary.LittleEndian.PutUint32(tok, m.Token)
	buf = append(buf, tok...)

	if m.Allowed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = putOptionalUint64(buf, m.Size)
	buf = putOptionalString(buf, m.Message)
	return buf
}

// DecodeTransferResponse parses a TransferResponse payload.
func DecodeTransferResponse(data []byte) (TransferResponse, error) {
	if len(data) < 5 {
		return TransferResponse{}, ErrTruncated
	}
	token := binary.LittleEndian.Uint32(data[0:4])
	allowed := data[4] != 0
	rest := data[5:]

	size, rest, err := readOptionalUint64(rest)
	if err != nil {
		return TransferResponse{}, err
	}
	message, _, err := readOptionalString(rest)
	if err != nil {
		return TransferResponse{}, err
	}

	return TransferResponse{Token: token, Allowed: allowed, Size: size, Message: message}, nil
}

// --- QueueFailed ---

// Encode serializes a QueueFailed notice.
func (m QueueFailed) Encode() []byte {
	buf := putString(nil, m.Filename)
	return putString(buf, m.Message)
}

// DecodeQueueFailed parses a QueueFailed payload.
func DecodeQueueFailed(data []byte) (QueueFailed, error) {
	filename, rest, err := readString(data)
	if err != nil {
		return QueueFailed{}, err
	}
	message, _, err := readString(rest)
	if err != nil {
		return QueueFailed{}, err
	}
	return QueueFailed{Filename: filename, Message: message}, nil
}

// --- UploadFailedNotice ---

// Encode serializes an UploadFailedNotice.
func (m UploadFailedNotice) Encode() []byte {
	return putString(nil, m.Filename)
}

// DecodeUploadFailedNotice parses an UploadFailedNotice payload.
func DecodeUploadFailedNotice(data []byte) (UploadFailedNotice, error) {
	filename, _, err := readString(data)
	if err != nil {
		return UploadFailedNotice{}, err
	}
	return UploadFailedNotice{Filename: filename}, nil
}

// --- DownloadFailedNotice ---

// Encode serializes a DownloadFailedNotice.
func (m DownloadFailedNotice) Encode() []byte {
	buf := putString(nil, m.Username)
	return putString(buf, m.Filename)
}

// DecodeDownloadFailedNotice parses a DownloadFailedNotice payload.
func DecodeDownloadFailedNotice(data []byte) (DownloadFailedNotice, error) {
	username, rest, err := readString(data)
	if err != nil {
		return DownloadFailedNotice{}, err
	}
	filename, _, err := readString(rest)
	if err != nil {
		return DownloadFailedNotice{}, err
	}
	return DownloadFailedNotice{Username: username, Filename: filename}, nil
}

// --- DownloadDeniedNotice ---

// Encode serializes a DownloadDeniedNotice.
func (m DownloadDeniedNotice) Encode() []byte {
	buf := putString(nil, m.Username)
	buf = putString(buf, m.Filename)
	return putString(buf, m.Message)
}

// DecodeDownloadDeniedNotice parses a DownloadDeniedNotice payload.
func DecodeDownloadDeniedNotice(data []byte) (DownloadDeniedNotice, error) {
	username, rest, err := readString(data)
	if err != nil {
		return DownloadDeniedNotice{}, err
	}
	filename, rest, err := readString(rest)
	if err != nil {
		return DownloadDeniedNotice{}, err
	}
	message, _, err := readString(rest)
	if err != nil {
		return DownloadDeniedNotice{}, err
	}
	return DownloadDeniedNotice{Username: username, Filename: filename, Message: message}, nil
}

// --- transfer-socket offset prologue ---

// EncodeOffset serializes the 8-byte little-endian start-offset prologue
// that is the only payload preceding raw file bytes on a transfer
// connection.
func EncodeOffset(offset uint64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, offset)
	return b
}

// DecodeOffset parses the 8-byte offset prologue.
func DecodeOffset(data []byte) (uint64, error) {
	if len(data) < 8 {
		return 0, ErrTruncated
	}
	return binary.LittleEndian.Uint64(data[:8]), nil
}
