//go:build !unix

package orient

func diskFree(string) string { return "unknown" }
