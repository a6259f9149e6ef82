package models

// QualityFlag is the data quality level of a record.
type QualityFlag int

const (
	QualityNotQualified QualityFlag = 0
	QualityGood         QualityFlag = 1
	QualityOutStats     QualityFlag = 2
	QualityDoubtful     QualityFlag = 3
	QualityBad          QualityFlag = 4
	QualityFixed        QualityFlag = 5
	QualityNotCompleted QualityFlag = 8
	QualityMissing      QualityFlag = 9
)

func (q QualityFlag) String() string {
	switch q {
	case QualityNotQualified:
		return "NOT_QUALIFIED"
	case QualityGood:
		return "GOOD"
	case QualityOutStats:
		return "OUT_STATS"
	case QualityDoubtful:
		return "DOUBTFUL"
	case QualityBad:
		return "BAD"
	case QualityFixed:
		return "FIXED"
	case QualityNotCompleted:
		return "NOT_COMPLETED"
	case QualityMissing:
		return "MISSING"
	default:
		return "UNKNOWN"
	}
}

// Data quality statuses accepted by OperationFilter.DataQualityStatus.
const (
	DataQualityModified   = "MODIFIED"
	DataQualityControlled = "CONTROLLED"
)

// PmfmTripProgress is the pmfm holding the "fishing operation completed" flag.
const PmfmTripProgress = 34

// ProgramPropertyAllowParentOperation enables parent/child operations on a program.
const ProgramPropertyAllowParentOperation = "sumaris.trip.operation.allowParent"
