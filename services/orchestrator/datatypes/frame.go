// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// CursorGlyph is appended to in-progress frames. It is never persisted.
const CursorGlyph = "▌"

// Frame is one unit of streamed output.
//
// Content is the full display buffer so far, not a delta. In-progress
// frames end with CursorGlyph; the frame with Done set does not. Audio is
// base64 speech for the finished content and only appears after Done.
type Frame struct {
	Content string
	Audio   string
	Done    bool
}

// FrameFunc receives frames in order. Returning an error stops the stream.
type FrameFunc func(Frame) error

// FrameEvent is the wire encoding of a Frame.
type FrameEvent struct {
	Content string `json:"content"`
	Audio   string `json:"audio,omitempty"`
}

// ErrorEvent is the terminal error event of a stream.
type ErrorEvent struct {
	Detail string `json:"detail"`
}

// Event returns the wire encoding of f.
func (f Frame) Event() FrameEvent {
	return FrameEvent{Content: f.Content, Audio: f.Audio}
}
