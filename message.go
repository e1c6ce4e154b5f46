package main

const (
	MsgMissingFile      = `missing form file "file"`
	MsgMissingFrameID   = `missing form field "frame_id"`
	MsgMissingCaptureTS = `missing form field "capture_ts"`
	MsgEmptyImage       = "image payload is empty"
	MsgBinaryFrame      = "binary messages are not supported, send frames as JSON text messages"

	MsgHealthy = "Server is working!"
)
