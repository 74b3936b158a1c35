package protocol

import "encoding/json"

// Constructors used by backends and tests to emit well-formed frames.

func Delta(runID, messageID, chunk string, seq int64) Frame {
	return Frame{RunID: runID, Type: TypeDelta, MessageID: messageID, Chunk: &chunk, Seq: &seq}
}

func ToolStart(runID, messageID, toolID, name string, args json.RawMessage) Frame {
	return Frame{RunID: runID, Type: TypeToolStart, MessageID: messageID, ToolID: toolID, Name: name, Args: args}
}

func ToolResult(runID, toolID, status string, result json.RawMessage) Frame {
	return Frame{RunID: runID, Type: TypeToolResult, ToolID: toolID, Status: status, Result: result}
}

func CitationFrame(runID, messageID string, c Citation) Frame {
	return Frame{RunID: runID, Type: TypeCitation, MessageID: messageID, Citation: &c}
}

func MemoryFrame(runID, messageID string, m Memory) Frame {
	return Frame{RunID: runID, Type: TypeMemory, MessageID: messageID, Memory: &m}
}

func ImageFrame(runID, messageID string, img Image) Frame {
	return Frame{RunID: runID, Type: TypeImage, MessageID: messageID, Image: &img}
}

func Handoff(runID, from, to, reason string) Frame {
	return Frame{RunID: runID, Type: TypeHandoff, From: from, To: to, Reason: reason}
}

func Pipeline(runID, state, detail string, deep bool) Frame {
	return Frame{RunID: runID, Type: TypePipeline, State: state, Detail: detail, Deep: deep}
}

func Run(runID, state string) Frame {
	return Frame{RunID: runID, Type: TypeRun, State: state}
}

func Error(runID, code, message string) Frame {
	return Frame{RunID: runID, Type: TypeError, Code: code, Message: message}
}

func Done(runID, messageID string) Frame {
	return Frame{RunID: runID, Type: TypeDone, MessageID: messageID}
}

func Ack(runID, clientID string) Frame {
	return Frame{RunID: runID, Type: TypeAck, ClientID: clientID}
}

func Pong(nonce string) Frame {
	return Frame{Type: TypePong, Nonce: nonce}
}
