package postgres

// AdminRepository bundles the read paths the back-office screens need with
// the stale-usage sweep. It reuses the usage and audit repositories rather
// than duplicating their queries.
type AdminRepository struct {
	*UsageRepository
	*AuditRepository
}

func NewAdminRepository(usages *UsageRepository, audits *AuditRepository) *AdminRepository {
	return &AdminRepository{UsageRepository: usages, AuditRepository: audits}
}
