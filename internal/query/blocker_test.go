package query

import "testing"

func TestClassifyBlocker(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		url   string
		title string
		want  string
	}{
		{
			name:  "google sign in",
			url:   "https://accounts.google.com/v3/signin/identifier?continue=https%3A%2F%2Fnotebook.example.com",
			title: "Sign in - Google Accounts",
			want:  "sign_in_required",
		},
		{
			name:  "captcha challenge",
			url:   "https://www.google.com/sorry/index",
			title: "Unusual traffic from your computer network",
			want:  "human_verification_required",
		},
		{
			name:  "access denied",
			url:   "https://notebook.example.com/notebook/abc",
			title: "403 Forbidden",
			want:  "access_denied",
		},
		{
			name:  "notebook page",
			url:   "https://notebook.example.com/notebook/4031-abcd",
			title: "Research notes - Notebook",
			want:  "",
		},
		{
			name: "empty",
			want: "",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, _ := classifyBlocker(tc.url, tc.title)
			if got != tc.want {
				t.Fatalf("classifyBlocker()=%q want=%q", got, tc.want)
			}
		})
	}
}
