package inference

// ONNXConfig configures the local ONNX Runtime engine. Models are read from
// ModelDir/<ref>.onnx.
type ONNXConfig struct {
	LibraryPath string
	ModelDir    string
	InputName   string
	OutputName  string
}
