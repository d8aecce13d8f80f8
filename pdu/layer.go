// Package pdu defines the wire-level Protocol Data Unit shared by the
// association package's requestor and acceptor paths: the PDU type bytes
// and the raw (type, length, data) envelope every PDU is framed in.
package pdu

// PDU types, DICOM PS3.8 Table 9-1.
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// PDU represents a Protocol Data Unit: a one-byte type, its declared
// length, and the raw bytes following the 6-byte header.
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}
