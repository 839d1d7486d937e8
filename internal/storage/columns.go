package storage

import "strings"

func splitColumns(columns string) []string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func joinColumns(parts []string) string {
	return strings.Join(parts, ", ")
}
