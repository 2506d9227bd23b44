package frame

import "golang.org/x/image/math/f32"

// Identity returns the 4x4 identity matrix.
func Identity() f32.Mat4 {
	return f32.Mat4{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// TransformDirection applies the upper 3x3 of the row-major matrix m to v.
// Translation is ignored, which is what normals need for rigid view
// transforms.
func TransformDirection(m *f32.Mat4, v f32.Vec3) f32.Vec3 {
	return f32.Vec3{
		m[0]*v[0] + m[1]*v[1] + m[2]*v[2],
		m[4]*v[0] + m[5]*v[1] + m[6]*v[2],
		m[8]*v[0] + m[9]*v[1] + m[10]*v[2],
	}
}

// RotationY returns a row-major rotation about +Y by the given sine and
// cosine. Used to script camera motion in tests and the CLI.
func RotationY(sin, cos float32) f32.Mat4 {
	return f32.Mat4{
		cos, 0, sin, 0,
		0, 1, 0, 0,
		-sin, 0, cos, 0,
		0, 0, 0, 1,
	}
}
