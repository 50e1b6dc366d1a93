package sqlstore_test

import (
	"database/sql"
	"os"
	"testing"

	"github.com/corverroos/truss"
	_ "github.com/go-sql-driver/mysql"
)

var migrations = []string{
	`
	create table jobflow_records (
		id                 bigint not null auto_increment,
		workflow_name      varchar(255) not null,
		job_id             varchar(255) not null,
		status             int not null,
		step_index         int not null,
		payload            longblob,
		error              text not null,
		response_status    int not null,
		response_headers   blob,
		attempts           int not null,
		runs               int not null,
		parent_id          bigint not null,
		created_at         datetime(3) not null,
		updated_at         datetime(3) not null,
		finished_at        datetime(3),

		primary key(id),

		index by_workflow_name_status (workflow_name, status, id)
	)`,
	`
	create table jobflow_schedules (
		workflow_name      varchar(255) not null,
		id                 varchar(255) not null,
		cron_expression    varchar(255) not null,
		active             bool not null,
		updated_at         datetime(3) not null,

		primary key (workflow_name)
	)
`,
}

func skipUnlessMySQL(t *testing.T) {
	if os.Getenv("JOBFLOW_MYSQL_TESTS") == "" {
		t.Skip("JOBFLOW_MYSQL_TESTS not set")
	}
}

func ConnectForTesting(t *testing.T) *sql.DB {
	return truss.ConnectForTesting(t, migrations...)
}
