package wire

// TableColumns lists the syncable columns per tracked table, excluding the
// primary key id. Upserts built from item payloads or delta rows only ever
// touch columns named here; anything else in a payload is dropped. The client
// mirror schema is a strict subset of the server schema, so the same
// whitelist serves both sides.
var TableColumns = map[string][]string{
	"employees": {
		"staff_no", "first_name", "middle_name", "last_name", "gender",
		"date_of_birth", "nationality", "national_id", "passport_no",
		"marital_status", "phone", "phone2", "email", "residential_address",
		"photo_path", "is_active", "updated_at",
	},
	"employments": {
		"employee_id", "campus_id", "department_id", "job_title", "pay_grade",
		"contract_type", "status", "start_date", "end_date", "updated_at",
	},
	"transfers": {
		"employee_id", "type", "status", "from_campus_id", "to_campus_id",
		"from_job_title", "to_job_title", "effective_date", "reason",
		"updated_at",
	},
	"appraisals": {
		"employee_id", "supervisor_id", "period", "academic_year",
		"conducted_date", "overall_score", "overall_rating",
		"supervisor_comments", "is_eligible_for_promotion", "updated_at",
	},
	"trainings": {
		"employee_id", "title", "type", "provider", "start_date", "end_date",
		"duration_days", "skills", "updated_at",
	},
	"documents": {
		"employee_id", "title", "category", "file_name", "mime_type",
		"file_size", "uploaded_by", "updated_at",
	},
}
