//go:build arm

package tcmu

const ptrSize = 4
