// Package codec provides the binary formats used to persist tiled raster tables.
//
// # Record Format
//
// Every entry of a table log is framed as a record:
//
//	[CRC32(4)][KeySize(4)][ValueSize(4)][Key][Value]
//
// All integers are little-endian. The CRC32 (IEEE) covers KeySize, ValueSize,
// Key and Value, so a torn or corrupted tail record is detected on open.
//
// # Row Format
//
// The value of a row record is:
//
//	[Flags(1)][MetadataLen(4)][Metadata][BandCount(2)] then per band
//	[Present(1)][Len(4)][Payload]
//
// Flags bit 0 marks a non-null metadata string. A band whose Present byte is
// zero is null and carries no length or payload.
//
// # Keys
//
// Row keys are 'r' followed by the big-endian cell identifier, so byte order
// equals cell order. The schema is stored once under the key "s".
package codec
