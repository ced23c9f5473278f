//go:build amd64 || arm64 || ppc64le || riscv64

package tcmu

const ptrSize = 8
