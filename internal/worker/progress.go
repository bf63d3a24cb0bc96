package worker

import "fable-server/internal/models"

// progressCeiling - потолок прогресса до финального перехода статуса.
// 100 выставляется только вместе с терминальным статусом, чтобы клиент
// не увидел "100%" у истории, которая еще generating.
const progressCeiling = 95

// ComputeProgress возвращает процент готовности дерева.
func ComputeProgress(generated, planned int) int {
	if planned <= 0 {
		return 0
	}
	progress := generated * 100 / planned
	if progress > progressCeiling {
		progress = progressCeiling
	}
	if progress < 0 {
		progress = 0
	}
	return progress
}

// EstimatePlannedNodes оценивает итоговый размер дерева как геометрическую
// сумму: на каждом уровне в среднем branching детей, глубина ограничена
// максимумом аудитории и конфигом воркера.
func EstimatePlannedNodes(audience models.AudienceTier, maxExpansionDepth, branching int) int {
	_, maxDepth := models.PacingBounds(audience)
	if maxExpansionDepth > 0 && maxExpansionDepth < maxDepth {
		maxDepth = maxExpansionDepth
	}
	if branching <= 0 {
		branching = models.MinChoicesPerNode
	}

	total := 0
	levelSize := 1
	for depth := 1; depth <= maxDepth; depth++ {
		total += levelSize
		levelSize *= branching
	}
	return total
}
