//go:build !offloaddebug

package offload

const forceReadyEnabled = false
