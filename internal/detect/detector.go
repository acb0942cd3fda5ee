package detect

import (
	"fmt"
	"image"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"speedcam-service/internal/domain/traffic"
)

// Adapter is the object-detection capability the pipeline consumes. It is
// called from exactly one pipeline stage at a time and need not be
// internally thread-safe. A failing adapter yields no detections for the
// frame; it is never fatal to the pipeline.
type Adapter interface {
	Detect(frame traffic.Frame) ([]traffic.Detection, error)
	Close() error
}

// cocoVehicleClasses maps COCO class ids to the vehicle categories the
// pipeline cares about. Everything else is ignored.
var cocoVehicleClasses = map[int]traffic.VehicleClass{
	2: traffic.ClassCar,
	3: traffic.ClassMotorcycle,
	5: traffic.ClassBus,
	7: traffic.ClassTruck,
}

const dnnInputSize = 640

// Config locates the model and tunes preprocessing.
type Config struct {
	ModelPath  string
	ConfigPath string
	Backend    string
	MinConf    float64
	// Scale < 1 runs inference on a downsized copy; boxes map back to the
	// original frame.
	Scale float64
}

// DNNAdapter runs a YOLO-family network through the OpenCV DNN module.
type DNNAdapter struct {
	cfg Config
	log zerolog.Logger
	net gocv.Net
}

func NewDNNAdapter(cfg Config, log zerolog.Logger) (*DNNAdapter, error) {
	if cfg.MinConf <= 0 {
		cfg.MinConf = 0.25
	}
	if cfg.Scale <= 0 || cfg.Scale > 1 {
		cfg.Scale = 1
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		return nil, fmt.Errorf("load detection model %s", cfg.ModelPath)
	}

	if cfg.Backend == "cuda" {
		net.SetPreferableBackend(gocv.NetBackendCUDA)
		net.SetPreferableTarget(gocv.NetTargetCUDA)
	} else {
		net.SetPreferableBackend(gocv.NetBackendDefault)
		net.SetPreferableTarget(gocv.NetTargetCPU)
	}

	return &DNNAdapter{
		cfg: cfg,
		log: log.With().Str("component", "detector").Logger(),
		net: net,
	}, nil
}

// Detect runs one forward pass and returns vehicle detections in original
// frame coordinates.
func (d *DNNAdapter) Detect(frame traffic.Frame) ([]traffic.Detection, error) {
	input := frame.Mat
	scale := d.cfg.Scale
	var scaled gocv.Mat
	if scale < 1 {
		scaled = gocv.NewMat()
		defer scaled.Close()
		gocv.Resize(input, &scaled, image.Point{}, scale, scale, gocv.InterpolationLinear)
		input = scaled
	}

	blob := gocv.BlobFromImage(input, 1.0/255.0,
		image.Pt(dnnInputSize, dnnInputSize), gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	output := d.net.Forward("")
	defer output.Close()

	w := float64(input.Cols())
	h := float64(input.Rows())

	var dets []traffic.Detection
	for i := 0; i < output.Rows(); i++ {
		row := output.RowRange(i, i+1)
		objConf := float64(row.GetFloatAt(0, 4))
		if objConf < d.cfg.MinConf {
			row.Close()
			continue
		}

		scores := row.ColRange(5, row.Cols())
		_, maxVal, _, maxLoc := gocv.MinMaxLoc(scores)
		scores.Close()

		class, ok := cocoVehicleClasses[maxLoc.X]
		conf := objConf * float64(maxVal)
		if !ok || conf < d.cfg.MinConf {
			row.Close()
			continue
		}

		cx := float64(row.GetFloatAt(0, 0)) * w
		cy := float64(row.GetFloatAt(0, 1)) * h
		bw := float64(row.GetFloatAt(0, 2)) * w
		bh := float64(row.GetFloatAt(0, 3)) * h
		row.Close()

		box := traffic.BBox{
			X1: (cx - bw/2) / scale,
			Y1: (cy - bh/2) / scale,
			X2: (cx + bw/2) / scale,
			Y2: (cy + bh/2) / scale,
		}
		if !box.Valid() {
			continue
		}
		dets = append(dets, traffic.Detection{Box: box, Class: class, Confidence: conf})
	}
	return dets, nil
}

func (d *DNNAdapter) Close() error {
	return d.net.Close()
}
