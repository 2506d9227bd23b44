package main

import (
	"image"
	"math"

	"golang.org/x/image/math/f32"

	"github.com/gogpu/vrs"
	"github.com/gogpu/vrs/frame"
)

// scene is a procedural camera pan: a smooth sky above a detailed ground,
// scrolling right by speed pixels per frame while the camera yaws.
type scene struct {
	width, height int
	speed         float64

	sig    *frame.Signal
	motion *frame.Motion
	render *image.Gray
}

func newScene(width, height int, speed float64) *scene {
	s := &scene{
		width:  width,
		height: height,
		speed:  speed,
		sig:    frame.NewSignal(width, height),
		motion: frame.NewMotion(width, height),
		render: image.NewGray(image.Rect(0, 0, width, height)),
	}
	for i := range s.motion.Vectors {
		s.motion.Vectors[i] = f32.Vec2{float32(speed), 0}
	}
	return s
}

// frame renders frame n and returns the pipeline input for it.
func (s *scene) frame(n int) vrs.Frame {
	offset := float64(n) * s.speed
	horizon := s.height / 3
	for y := range s.height {
		for x := range s.width {
			i := y*s.width + x
			u := float64(x) - offset
			var diffuse, specular, shadow float64
			var normal f32.Vec3
			if y < horizon {
				diffuse = 0.55 + 0.35*float64(y)/float64(horizon)
				normal = f32.Vec3{0, 0, 1}
				shadow = 1
			} else {
				diffuse = ground(u, float64(y-horizon))
				specular = 0.2 * math.Max(0, math.Sin(u*0.31)*math.Cos(float64(y)*0.27))
				normal = f32.Vec3{0, 1, 0}
				shadow = 1
				if math.Mod(u+float64(y)*0.5, 160) < 40 {
					shadow = 0.35
				}
			}
			s.sig.Diffuse[i] = float32(diffuse)
			s.sig.Specular[i] = float32(specular)
			s.sig.Shadow[i] = float32(shadow)
			s.sig.Normal[i] = normal
			s.render.Pix[y*s.render.Stride+x] = luminance(s.sig.Shading(i))
		}
	}

	var motion *frame.Motion
	if n > 0 {
		motion = s.motion
	}
	yaw := float64(n) * s.speed * 0.001
	return vrs.Frame{
		Signal: s.sig,
		Motion: motion,
		View:   frame.RotationY(float32(math.Sin(yaw)), float32(math.Cos(yaw))),
	}
}

// ground mixes coarse stripes with fine checkers that fade with distance
// from the horizon.
func ground(u, depth float64) float64 {
	stripes := 0.5 + 0.25*math.Sin(u*0.05)
	cell := 4 + depth/8
	checker := 0.0
	if (int(math.Floor(u/cell))+int(math.Floor(depth/cell)))%2 == 0 {
		checker = 0.2
	}
	return math.Min(1, stripes+checker)
}

func luminance(v float32) uint8 {
	return uint8(math.Round(float64(min(max(v, 0), 1)) * 255))
}
