// Package claude turns the output stream of a coding-assistant CLI into a
// small set of typed chunks.
//
// # Line protocol
//
// The CLI writes newline-delimited output. Each line is either a JSON object
// with a "type" discriminator (assistant, user, result, hook_response,
// system, ...) or a plain text line such as a banner or an error printed
// before the CLI switched to structured output. ParseLine classifies one
// line:
//
//	chunks := claude.ParseLine(`{"type":"result","subtype":"success",...}`, log)
//
// Tool invocations and tool results produce no chunks. The one exception is
// the AskUserQuestion tool, which becomes a ChunkTypeAskUser chunk carrying
// the question and its options.
//
// # Decoder
//
// Output arrives in fragments that may split a line anywhere, including
// inside a multi-byte character or a JSON string. Decoder buffers bytes and
// only parses complete lines:
//
//	dec := claude.NewDecoder(func(c claude.Chunk) { relay(c) }, claude.DecoderOptions{
//	    Filter: sanitize.CleanLine,
//	})
//	dec.Feed(fragment)
//	...
//	dec.Flush() // at end of stream
//
// A Decoder is owned by a single producer and is not safe for concurrent use.
package claude
