// SPDX-License-Identifier: MIT

package devsim

import (
	"math"
	"math/rand/v2"
)

// GazeSample is one binocular gaze estimate from a head-mounted
// tracker. Normalised positions are in scene-camera coordinates,
// 3d quantities in millimetres.
type GazeSample struct {
	Timestamp  float64
	DeviceTime float64
	WorldIndex int
	Confidence float64

	NormX, NormY           float64
	Point3D                [3]float64
	EyeCenter0, EyeCenter1 [3]float64
	Normal0, Normal1       [3]float64

	PupilDiameter0 float64
	PupilDiameter1 float64
	Eye0Confidence float64
	Eye1Confidence float64

	FixationID int
	BlinkID    int
	OnSurface  bool
	SurfaceX   float64
	SurfaceY   float64
}

// IMUSample is one inertial reading from the tracker headset.
type IMUSample struct {
	Timestamp  float64
	DeviceTime float64
	Gyro       [3]float64
	Accel      [3]float64
	Quaternion [4]float64
	TempC      float64
}

// TrackerEvent is one discrete detector output, a fixation, blink or
// saccade with its summary statistics.
type TrackerEvent struct {
	Timestamp  float64
	DeviceTime float64
	Type       string
	ID         int
	DurationMS float64
	Confidence float64

	NormX, NormY float64
	Dispersion   float64
	Velocity     float64
	Amplitude    float64

	StartFrame int
	EndFrame   int

	SurfaceName   string
	OnSurface     bool
	Method        string
	BaseDataCount int
}

// GazeGenerator produces a smooth-pursuit gaze trace with periodic
// blinks, plus matched IMU samples and detector events. Gaze runs at
// 120Hz, the IMU at 200Hz.
type GazeGenerator struct {
	rng *rand.Rand

	clock      float64 // unix seconds
	deviceBias float64
	phase      float64
	worldIndex int

	fixationID int
	blinkID    int
	blinkLeft  int // samples remaining in the current blink
	eventID    int

	yaw float64 // headset rotation about the vertical axis
}

// NewGazeGenerator seeds a generator starting at an arbitrary but
// fixed unix time.
func NewGazeGenerator(seed uint64) *GazeGenerator {
	rng := newRNG(seed)
	return &GazeGenerator{
		rng:        rng,
		clock:      1710428966.0,
		deviceBias: -12.73 + rng.Float64()*0.01,
		fixationID: 1,
	}
}

// NextGaze advances the gaze clock by one 120Hz frame and returns the
// sample. Confidence collapses during blinks.
func (g *GazeGenerator) NextGaze() GazeSample {
	g.clock += 1.0 / 120
	g.phase += 0.01
	g.worldIndex++

	s := GazeSample{
		Timestamp:  g.clock,
		DeviceTime: g.clock + g.deviceBias,
		// The scene camera runs at 30Hz, a quarter of the gaze rate.
		WorldIndex: g.worldIndex / 4,
		Confidence: 0.92 + g.rng.Float64()*0.08,

		NormX: 0.5 + 0.3*math.Sin(g.phase) + g.rng.Float64()*0.02,
		NormY: 0.5 + 0.2*math.Cos(g.phase*0.7) + g.rng.Float64()*0.02,

		PupilDiameter0: 3.1 + 0.4*math.Sin(g.phase*0.1) + g.rng.Float64()*0.05,
		PupilDiameter1: 3.0 + 0.4*math.Sin(g.phase*0.1) + g.rng.Float64()*0.05,
		Eye0Confidence: 0.9 + g.rng.Float64()*0.1,
		Eye1Confidence: 0.9 + g.rng.Float64()*0.1,

		FixationID: g.fixationID,
		OnSurface:  true,
	}
	s.Point3D = [3]float64{(s.NormX - 0.5) * 400, (s.NormY - 0.5) * 300, 900 + g.rng.Float64()*50}
	s.EyeCenter0 = [3]float64{-31, 10, -20}
	s.EyeCenter1 = [3]float64{31, 10, -20}
	s.Normal0 = unit(s.Point3D[0]-s.EyeCenter0[0], s.Point3D[1]-s.EyeCenter0[1], s.Point3D[2]-s.EyeCenter0[2])
	s.Normal1 = unit(s.Point3D[0]-s.EyeCenter1[0], s.Point3D[1]-s.EyeCenter1[1], s.Point3D[2]-s.EyeCenter1[2])
	s.SurfaceX = s.NormX
	s.SurfaceY = s.NormY

	if g.blinkLeft == 0 && g.rng.IntN(600) == 0 {
		g.blinkID++
		g.blinkLeft = 12 + g.rng.IntN(12)
		g.fixationID++
	}
	if g.blinkLeft > 0 {
		g.blinkLeft--
		s.Confidence = g.rng.Float64() * 0.1
		s.Eye0Confidence = s.Confidence
		s.Eye1Confidence = s.Confidence
		s.BlinkID = g.blinkID
		s.FixationID = 0
		s.OnSurface = false
	}
	return s
}

// NextIMU advances the IMU clock by one 200Hz frame and returns the
// sample. The headset drifts slowly about the vertical axis.
func (g *GazeGenerator) NextIMU() IMUSample {
	g.yaw += 0.0005 + g.rng.Float64()*0.0002
	half := g.yaw / 2
	return IMUSample{
		Timestamp:  g.clock,
		DeviceTime: g.clock + g.deviceBias,
		Gyro:       [3]float64{g.rng.Float64()*0.4 - 0.2, 0.1 + g.rng.Float64()*0.05, g.rng.Float64()*0.4 - 0.2},
		Accel:      [3]float64{g.rng.Float64()*0.1 - 0.05, 9.81 + g.rng.Float64()*0.04 - 0.02, g.rng.Float64()*0.1 - 0.05},
		Quaternion: [4]float64{math.Cos(half), 0, math.Sin(half), 0},
		TempC:      34.2 + g.rng.Float64()*0.3,
	}
}

// NextEvent returns the next detector event, alternating fixations and
// saccades with an occasional blink.
func (g *GazeGenerator) NextEvent() TrackerEvent {
	g.eventID++
	ev := TrackerEvent{
		Timestamp:  g.clock,
		DeviceTime: g.clock + g.deviceBias,
		ID:         g.eventID,
		Confidence: 0.9 + g.rng.Float64()*0.1,
		NormX:      0.5 + g.rng.Float64()*0.2 - 0.1,
		NormY:      0.5 + g.rng.Float64()*0.2 - 0.1,
		StartFrame: g.worldIndex / 4,
	}
	switch g.eventID % 3 {
	case 0:
		ev.Type = "blink"
		ev.DurationMS = 80 + g.rng.Float64()*120
		ev.Method = "pupil-confidence"
		ev.BaseDataCount = int(ev.DurationMS / (1000.0 / 120))
	case 1:
		ev.Type = "fixation"
		ev.DurationMS = 200 + g.rng.Float64()*400
		ev.Dispersion = 0.4 + g.rng.Float64()*0.8
		ev.SurfaceName = "scene"
		ev.OnSurface = true
		ev.Method = "dispersion"
		ev.BaseDataCount = int(ev.DurationMS / (1000.0 / 120))
	default:
		ev.Type = "saccade"
		ev.DurationMS = 20 + g.rng.Float64()*60
		ev.Velocity = 80 + g.rng.Float64()*300
		ev.Amplitude = 2 + g.rng.Float64()*12
		ev.Method = "velocity"
		ev.BaseDataCount = int(ev.DurationMS / (1000.0 / 120))
	}
	g.clock += ev.DurationMS / 1000
	ev.EndFrame = g.worldIndex/4 + int(ev.DurationMS/33.3)
	return ev
}

func unit(x, y, z float64) [3]float64 {
	n := math.Sqrt(x*x + y*y + z*z)
	if n == 0 {
		return [3]float64{}
	}
	return [3]float64{x / n, y / n, z / n}
}
