//go:build !nogpu

package gpu

import (
	"fmt"

	"github.com/gogpu/naga"

	"github.com/gogpu/vrs/infer"
)

// workgroupSize matches @workgroup_size in every kernel.
const workgroupSize = 64

// maxGroupsX is the per-dimension dispatch limit guaranteed by WebGPU.
const maxGroupsX = 65535

// kernelHeader is shared by every kernel. Invocations are linearized as
// gid.y*row + gid.x so activations larger than maxGroupsX*64 elements can be
// dispatched as a 2D grid.
const kernelHeader = `
struct Params {
    in_c: u32,
    in_h: u32,
    in_w: u32,
    out_c: u32,
    out_h: u32,
    out_w: u32,
    kernel: u32,
    pad: u32,
    groups: u32,
    size: u32,
    count: u32,
    row: u32,
    quant: u32,
    reserved0: u32,
    reserved1: u32,
    reserved2: u32,
}

@group(0) @binding(0) var<uniform> params: Params;
@group(0) @binding(1) var<storage, read> src: array<f32>;
@group(0) @binding(2) var<storage, read_write> dst: array<f32>;
@group(0) @binding(3) var<storage, read> weights: array<f32>;

// quantize rounds an activation to the plan precision: 1 is IEEE half,
// 2 is TF32 (10-bit mantissa, nearest even). Inf and NaN pass through.
fn quantize(v: f32) -> f32 {
    if (params.quant == 1u) {
        if (abs(v) > 65504.0) {
            return bitcast<f32>((bitcast<u32>(v) & 0x80000000u) | 0x7f800000u);
        }
        return unpack2x16float(pack2x16float(vec2<f32>(v, 0.0))).x;
    }
    if (params.quant == 2u) {
        var b = bitcast<u32>(v);
        if ((b & 0x7f800000u) == 0x7f800000u) {
            return v;
        }
        b = b + 0xfffu + ((b >> 13u) & 1u);
        return bitcast<f32>(b & 0xffffe000u);
    }
    return v;
}
`

const convKernel = kernelHeader + `
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.y * params.row + gid.x;
    if (i >= params.count) {
        return;
    }
    let plane = params.out_h * params.out_w;
    let oc = i / plane;
    let rem = i % plane;
    let oy = i32(rem / params.out_w);
    let ox = i32(rem % params.out_w);
    let in_per_group = params.in_c / params.groups;
    let g = oc / (params.out_c / params.groups);
    let k = params.kernel;
    let pad = i32(params.pad);
    let w_base = oc * in_per_group * k * k;

    // Biases follow the weights in the same buffer.
    var acc = weights[params.out_c * in_per_group * k * k + oc];
    for (var ic = 0u; ic < in_per_group; ic = ic + 1u) {
        let chan = (g * in_per_group + ic) * params.in_h * params.in_w;
        for (var ky = 0u; ky < k; ky = ky + 1u) {
            let iy = oy + i32(ky) - pad;
            if (iy < 0 || iy >= i32(params.in_h)) {
                continue;
            }
            for (var kx = 0u; kx < k; kx = kx + 1u) {
                let ix = ox + i32(kx) - pad;
                if (ix < 0 || ix >= i32(params.in_w)) {
                    continue;
                }
                let s = src[chan + u32(iy) * params.in_w + u32(ix)];
                acc = acc + s * weights[w_base + (ic * k + ky) * k + kx];
            }
        }
    }
    dst[i] = quantize(acc);
}
`

const reluKernel = kernelHeader + `
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.y * params.row + gid.x;
    if (i >= params.count) {
        return;
    }
    dst[i] = quantize(max(src[i], 0.0));
}
`

const affineKernel = kernelHeader + `
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.y * params.row + gid.x;
    if (i >= params.count) {
        return;
    }
    let c = i / (params.in_h * params.in_w);
    dst[i] = quantize(src[i] * weights[c] + weights[params.in_c + c]);
}
`

const maxPoolKernel = kernelHeader + `
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.y * params.row + gid.x;
    if (i >= params.count) {
        return;
    }
    let plane = params.out_h * params.out_w;
    let c = i / plane;
    let rem = i % plane;
    let oy = rem / params.out_w;
    let ox = rem % params.out_w;
    let base = c * params.in_h * params.in_w;
    var m = -3.4028235e38;
    for (var dy = 0u; dy < params.size; dy = dy + 1u) {
        let row = base + (oy * params.size + dy) * params.in_w + ox * params.size;
        for (var dx = 0u; dx < params.size; dx = dx + 1u) {
            m = max(m, src[row + dx]);
        }
    }
    dst[i] = quantize(m);
}
`

const sigmoidKernel = kernelHeader + `
@compute @workgroup_size(64)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
    let i = gid.y * params.row + gid.x;
    if (i >= params.count) {
        return;
    }
    dst[i] = quantize(1.0 / (1.0 + exp(-src[i])));
}
`

// kernelSource returns the WGSL kernel implementing op.
func kernelSource(op infer.OpKind) (string, error) {
	switch op {
	case infer.OpConv:
		return convKernel, nil
	case infer.OpReLU:
		return reluKernel, nil
	case infer.OpAffine:
		return affineKernel, nil
	case infer.OpMaxPool:
		return maxPoolKernel, nil
	case infer.OpSigmoid:
		return sigmoidKernel, nil
	default:
		return "", fmt.Errorf("no kernel for op %v", op)
	}
}

// compileSPIRV compiles WGSL to SPIR-V words.
func compileSPIRV(src string) ([]uint32, error) {
	spirvBytes, err := naga.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("compile kernel: %w", err)
	}
	if len(spirvBytes)%4 != 0 {
		return nil, fmt.Errorf("compile kernel: SPIR-V length %d not word aligned", len(spirvBytes))
	}
	words := make([]uint32, len(spirvBytes)/4)
	for i := range words {
		words[i] = uint32(spirvBytes[i*4]) |
			uint32(spirvBytes[i*4+1])<<8 |
			uint32(spirvBytes[i*4+2])<<16 |
			uint32(spirvBytes[i*4+3])<<24
	}
	return words, nil
}

// dispatchSize splits count invocations into a 2D grid of workgroups.
// It returns the grid and the row stride in invocations.
func dispatchSize(count int) (x, y, row uint32) {
	groups := (count + workgroupSize - 1) / workgroupSize
	gx := max(min(groups, maxGroupsX), 1)
	gy := max((groups+gx-1)/gx, 1)
	return uint32(gx), uint32(gy), uint32(gx * workgroupSize) //nolint:gosec // bounded by dispatch limits
}
