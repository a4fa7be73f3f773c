// Package pdu owns the CFDP wire contract.
//
// Ownership boundary:
// - fixed/variable header packing
// - directive and file-data body codecs
// - file checksum (modular 32-bit word sum)
//
// Layouts follow the CCSDS 727.0-B Blue Book octet order. All numeric
// fields are big-endian and truncated to their declared bit width.
package pdu
