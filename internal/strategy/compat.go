package strategy

import "github.com/ShayCichocki/hivemind/pkg/models"

// compatMatrix restricts which worker kinds may execute which task types.
// Custom tasks are compatible with every worker kind.
var compatMatrix = map[models.TaskType][]models.AgentKind{
	models.TaskTypeAnalyze: {
		models.KindResearch, models.KindAnalysis, models.KindMonitoring, models.KindSpecialist,
	},
	models.TaskTypeProcess: {
		models.KindExecution, models.KindSpecialist,
	},
	models.TaskTypeTransform: {
		models.KindExecution, models.KindSpecialist,
	},
	models.TaskTypeValidate: {
		models.KindValidation, models.KindSpecialist,
	},
	models.TaskTypeAggregate: {
		models.KindAnalysis, models.KindCoordination, models.KindSpecialist,
	},
}

// Compatible returns true if a worker of the given kind may execute the
// given task type.
func Compatible(taskType models.TaskType, kind models.AgentKind) bool {
	if taskType == models.TaskTypeCustom {
		return true
	}
	for _, k := range compatMatrix[taskType] {
		if k == kind {
			return true
		}
	}
	return false
}
