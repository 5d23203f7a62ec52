// Package tflite loads BirdNET TensorFlow Lite models. It needs the tflite C
// library at build and run time, so nothing else in the tree imports it
// except the binaries.
package tflite

import (
	"bufio"
	"os"
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tphakala/go-tflite"
	"go.uber.org/zap"
)

type interpreter struct {
	model   *tflite.Model
	options *tflite.InterpreterOptions
	interp  *tflite.Interpreter
}

func newInterpreter(path string, threads int) (*interpreter, error) {
	model := tflite.NewModelFromFile(path)
	if model == nil {
		return nil, eris.Errorf("tflite: cannot load model %s", path)
	}

	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		zap.L().Warn("tflite", zap.String("message", msg))
	}, nil)

	interp := tflite.NewInterpreter(model, options)
	if interp == nil {
		options.Delete()
		model.Delete()
		return nil, eris.Errorf("tflite: cannot create interpreter for %s", path)
	}
	if status := interp.AllocateTensors(); status != tflite.OK {
		interp.Delete()
		options.Delete()
		model.Delete()
		return nil, eris.Errorf("tflite: tensor allocation failed for %s", path)
	}
	return &interpreter{model: model, options: options, interp: interp}, nil
}

// run copies input into tensor 0, invokes, and returns a copy of output tensor 0.
func (i *interpreter) run(input []float32) ([]float32, error) {
	in := i.interp.GetInputTensor(0)
	if in == nil {
		return nil, eris.New("tflite: cannot get input tensor")
	}
	buf := in.Float32s()
	if len(buf) < len(input) {
		return nil, eris.Errorf("tflite: input tensor holds %d values, got %d", len(buf), len(input))
	}
	copy(buf, input)

	if status := i.interp.Invoke(); status != tflite.OK {
		return nil, eris.New("tflite: tensor invoke failed")
	}

	out := i.interp.GetOutputTensor(0)
	if out == nil {
		return nil, eris.New("tflite: cannot get output tensor")
	}
	size := out.Dim(out.NumDims() - 1)
	result := make([]float32, size)
	copy(result, out.Float32s())
	return result, nil
}

func (i *interpreter) close() {
	i.interp.Delete()
	i.options.Delete()
	i.model.Delete()
}

// AcousticModel is the species classifier over 3 second windows.
type AcousticModel struct {
	*interpreter
	labels []string
}

func NewAcousticModel(modelPath, labelsPath string, threads int) (*AcousticModel, error) {
	labels, err := LoadLabels(labelsPath)
	if err != nil {
		return nil, err
	}
	interp, err := newInterpreter(modelPath, threads)
	if err != nil {
		return nil, err
	}

	zap.L().Info("acoustic model loaded",
		zap.String("model", modelPath),
		zap.Int("labels", len(labels)))
	return &AcousticModel{interpreter: interp, labels: labels}, nil
}

func (m *AcousticModel) Predict(chunk []float32) ([]float32, error) {
	return m.run(chunk)
}

func (m *AcousticModel) Labels() []string { return m.labels }

func (m *AcousticModel) Close() { m.close() }

// RangeModel is the location/week occurrence meta-model.
type RangeModel struct {
	*interpreter
}

func NewRangeModel(modelPath string) (*RangeModel, error) {
	interp, err := newInterpreter(modelPath, 1)
	if err != nil {
		return nil, err
	}
	zap.L().Info("range model loaded", zap.String("model", modelPath))
	return &RangeModel{interpreter: interp}, nil
}

func (m *RangeModel) Predict(lat, lon, week float32) ([]float32, error) {
	return m.run([]float32{lat, lon, week})
}

func (m *RangeModel) Close() { m.close() }

// LoadLabels reads one label per line, skipping blank lines.
func LoadLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "tflite: open labels")
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrap(err, "tflite: read labels")
	}
	if len(labels) == 0 {
		return nil, eris.Errorf("tflite: no labels in %s", path)
	}
	return labels, nil
}
