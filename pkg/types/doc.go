// Package types defines the station record shared by the server, producer
// and reader, together with its JSON encoding.
//
// A Record keeps the producer's attributes in document order (parsed with
// gjson, which walks objects in order) and adds three derived fields on the
// wire: origin, lamport_clock and timestamp. EncodeRecords and DecodeRecords
// are used both for query responses and for the on-disk snapshot.
package types
