package backend

// Hooks exposing the unexported frame codec to the package's tests.
var (
	WriteFrameForTest = writeFrame
	ReadFrameForTest  = readFrame
)
