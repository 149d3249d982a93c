//go:build offloaddebug

package offload

const forceReadyEnabled = true
