// Package limits provides centralized size constants and validation functions
// for the permastore node. Every network-facing component validates untrusted
// input against these limits before decoding or persisting it.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (16KB): the largest Kademlia datagram accepted or sent.
//     Replies carrying k contacts or a provider list fit comfortably below it.
//
//   - MaxProviderURL (2KB): the longest provider API URL stored in a record.
//
//   - DefaultMaxUploadSize (100MB): the default cap on a single uploaded or
//     fetched file. Nodes may lower or raise it through configuration.
//
// # Validation Functions
//
// Each validation function checks for empty input and size limit violations:
//
//	if err := limits.ValidateDatagram(data); err != nil {
//	    // drop the packet (ErrMessageEmpty or ErrMessageTooLarge)
//	}
//
// For custom size limits, use the generic ValidateMessageSize function:
//
//	err := limits.ValidateMessageSize(data, cfg.MaxUploadSize)
package limits
