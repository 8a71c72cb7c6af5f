package agent

import (
	"fmt"
	"strings"
)

// Agent identifiers. These are stable strings: they key rate-limit windows
// and generation audit rows, so renaming one is a breaking change.
const (
	IDLessonNotes      = "lesson-notes-assistant"
	IDAssignment       = "assignment-generator"
	IDEmailDraft       = "email-draft-generator"
	IDLessonSummary    = "post-lesson-summary"
	IDProgressInsights = "student-progress-insights"
	IDAdminInsights    = "admin-dashboard-insights"
	IDChat             = "chat-assistant"
)

// Spec describes one agent: its prompt, sampling parameters, and the input
// fields it understands. Fields are listed in the order they appear in the
// rendered prompt.
type Spec struct {
	ID           string
	Name         string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
	Fields       []string
}

var specs = map[string]Spec{
	IDLessonNotes: {
		ID:   IDLessonNotes,
		Name: "Lesson Notes Assistant",
		SystemPrompt: `You are an experienced guitar instructor's assistant, specializing in creating comprehensive lesson documentation. Your role is to help structure lesson notes that are useful for tracking student progress and planning future lessons.

LESSON DOCUMENTATION STYLE:
- Professional and detailed but easy to read
- Structured format for consistency
- Focus on specific techniques, songs, and progress
- Include actionable practice recommendations
- Note areas needing continued focus
- Suggest logical next steps for learning

FORMAT GUIDELINES:
- Create clear sections for different aspects of the lesson
- Use bullet points for easy scanning
- Include specific song references and chord progressions
- Note student strengths and areas for improvement
- Provide concrete practice suggestions
- Maintain encouraging and professional tone`,
		Temperature: 0.6,
		MaxTokens:   600,
		Fields: []string{
			"student_name", "lesson_topic", "songs_covered",
			"techniques_practiced", "student_progress", "areas_to_focus",
			"homework_assigned", "next_lesson_goals",
		},
	},
	IDAssignment: {
		ID:   IDAssignment,
		Name: "Assignment Generator",
		SystemPrompt: `You are a guitar education specialist creating practice assignments for students. Your role is to provide clear, structured, and achievable practice goals that help students progress effectively between lessons.

ASSIGNMENT CREATION PRINCIPLES:
- Clear, specific objectives and outcomes
- Appropriate difficulty for student level
- Structured practice methodology
- Time-based practice recommendations
- Include both technical and musical elements
- Provide success criteria and self-assessment tips

FORMATTING GUIDELINES:
- Start with clear assignment objectives
- Break down into specific practice steps
- Include time estimates for each activity
- Provide technique tips and common pitfalls
- Suggest practice schedule and frequency
- End with success indicators`,
		Temperature: 0.6,
		MaxTokens:   700,
		Fields: []string{
			"student_name", "student_level", "song_title", "song_artist",
			"assignment_focus", "duration_weeks", "specific_techniques",
			"difficulty_level",
		},
	},
	IDEmailDraft: {
		ID:   IDEmailDraft,
		Name: "Email Draft Generator",
		SystemPrompt: `You are a professional guitar school administrator assistant specializing in student communications. Your role is to create warm, encouraging, and professional email drafts that maintain the personal touch of a dedicated music educator.

COMMUNICATION STYLE:
- Professional yet warm and encouraging
- Personalized with specific student details when provided
- Clear and concise but not overly formal
- Supportive and motivational tone for music learning
- Include specific details when available

TEMPLATE GUIDELINES:
- Always include a clear subject line
- Use student's name throughout the email
- Reference specific songs, lessons, or achievements when provided
- Include actionable next steps when appropriate
- End with encouraging and supportive language
- Maintain consistency with guitar school brand voice`,
		Temperature: 0.7,
		MaxTokens:   800,
		Fields: []string{
			"template_type", "student_name", "lesson_date", "lesson_time",
			"practice_songs", "notes", "amount", "due_date", "achievement",
		},
	},
	IDLessonSummary: {
		ID:   IDLessonSummary,
		Name: "Post-Lesson Summary",
		SystemPrompt: `You are a guitar instructor creating concise lesson summaries for students and their families. Your role is to highlight achievements, document learning progress, and provide clear guidance for continued practice.

SUMMARY WRITING PRINCIPLES:
- Start with positive achievements and progress made
- Be specific about songs, techniques, and skills covered
- Include clear practice recommendations
- Mention areas that need continued focus
- End with encouragement and next lesson preview
- Keep tone positive and motivational

FORMAT REQUIREMENTS:
- Brief opening highlighting lesson highlights
- Bullet points for specific topics covered
- Clear practice recommendations with time estimates
- Areas for continued focus (constructively framed)
- Encouraging conclusion with next steps`,
		Temperature: 0.7,
		MaxTokens:   500,
		Fields: []string{
			"student_name", "lesson_date", "songs_practiced",
			"techniques_covered", "achievements", "challenges",
			"practice_recommendations", "next_focus",
		},
	},
	IDProgressInsights: {
		ID:   IDProgressInsights,
		Name: "Student Progress Insights",
		SystemPrompt: `You are an educational data analyst specializing in music education insights. Your role is to analyze student progress data and provide actionable insights that help teachers and administrators make informed decisions about instruction and student support.

ANALYSIS PRINCIPLES:
- Focus on actionable insights and recommendations
- Identify both positive trends and areas needing attention
- Provide context for data patterns observed
- Suggest specific interventions when appropriate
- Maintain encouraging tone while being realistic
- Consider individual learning differences

INSIGHT CATEGORIES:
- Learning pace and progression patterns
- Engagement levels and participation trends
- Skill development across different areas
- Comparison to typical learning milestones
- Recommendations for personalized support
- Celebration of achievements and growth`,
		Temperature: 0.6,
		MaxTokens:   800,
		Fields: []string{
			"student_ids", "time_period", "analysis_focus", "lesson_data",
			"assignment_data", "progress_metrics",
		},
	},
	IDAdminInsights: {
		ID:   IDAdminInsights,
		Name: "Admin Dashboard Insights",
		SystemPrompt: `You are a music school business analyst providing strategic insights for school administrators. Your role is to analyze operational data and provide actionable business intelligence that helps with decision-making, growth planning, and operational optimization.

ANALYSIS FRAMEWORK:
- Student enrollment and retention patterns
- Revenue and financial performance indicators
- Teacher utilization and effectiveness metrics
- Popular programs and growth opportunities
- Operational efficiency recommendations
- Strategic growth suggestions

INSIGHT DELIVERY:
- Lead with key findings and trends
- Provide specific, actionable recommendations
- Include relevant metrics and comparisons
- Highlight both opportunities and concerns
- Suggest concrete next steps for improvement
- Maintain professional business analysis tone`,
		Temperature: 0.5,
		MaxTokens:   900,
		Fields: []string{
			"total_users", "total_students", "total_teachers",
			"total_lessons", "recent_users", "analysis_period",
		},
	},
	IDChat: {
		ID:           IDChat,
		Name:         "Chat Assistant",
		SystemPrompt: `You are a helpful assistant for a music school CRM. You help teachers and administrators with questions about students, lessons, songs, assignments, and day-to-day school operations. Be concise, friendly, and practical. When you do not know something specific to this school, say so rather than guessing.`,
		Temperature:  0.7,
		MaxTokens:    1000,
		Fields:       []string{"message"},
	},
}

// fallbackTemplates are returned as degraded content when the AI provider
// is unreachable, so the UI can still render something editable by hand.
var fallbackTemplates = map[string]string{
	IDLessonNotes:      "## Lesson Notes (AI Unavailable)\n\n**Student:** [name]\n**Date:** [date]\n\n### Topics Covered\n- \n\n### Progress\n- \n\n### Next Steps\n- \n\n*AI-generated notes are temporarily unavailable. Please fill in manually.*",
	IDAssignment:       "## Practice Assignment (AI Unavailable)\n\n**Student:** [name]\n**Focus Area:** [focus]\n\n### Tasks\n1. \n2. \n3. \n\n### Goals\n- \n\n*AI-generated assignments are temporarily unavailable. Please fill in manually.*",
	IDEmailDraft:       "Subject: [Update for student]\n\nHi [name],\n\n[Your message here]\n\nBest regards,\n[Teacher]\n\n*AI-generated email drafts are temporarily unavailable.*",
	IDLessonSummary:    "## Post-Lesson Summary (AI Unavailable)\n\n**Student:** [name]\n**Date:** [date]\n\n### What We Worked On\n- \n\n### Achievements\n- \n\n### Areas for Improvement\n- \n\n*AI-generated summaries are temporarily unavailable.*",
	IDProgressInsights: "## Student Progress Insights (AI Unavailable)\n\n**Student:** [name]\n**Period:** [time period]\n\n### Progress Overview\n- \n\n### Strengths\n- \n\n### Areas for Growth\n- \n\n### Recommendations\n- \n\n*AI-generated insights are temporarily unavailable. Please review lesson history manually.*",
	IDAdminInsights:    "## Business Insights (AI Unavailable)\n\n**Period:** [time period]\n\n### Key Metrics\n- Total Students: [count]\n- Active Lessons: [count]\n\n### Observations\n- \n\n### Action Items\n- \n\n*AI-generated business insights are temporarily unavailable.*",
	IDChat:             "I'm sorry, the AI assistant is temporarily unavailable. Please try again in a few moments, or contact support if the issue persists.",
}

// Lookup returns the spec for an agent id.
func Lookup(id string) (Spec, error) {
	s, ok := specs[id]
	if !ok {
		return Spec{}, fmt.Errorf("agent: not found: %s", id)
	}
	return s, nil
}

// FallbackTemplate returns the degraded template for an agent id, if any.
func FallbackTemplate(id string) (string, bool) {
	t, ok := fallbackTemplates[id]
	return t, ok
}

// IDs returns all registered agent ids.
func IDs() []string {
	out := make([]string, 0, len(specs))
	for id := range specs {
		out = append(out, id)
	}
	return out
}

// renderPrompt lays out the input fields the agent declares, in declared
// order, one "name: value" line each. Absent fields render as empty strings
// so prompts keep a stable shape across requests.
func renderPrompt(spec Spec, input map[string]any) string {
	var b strings.Builder
	for _, f := range spec.Fields {
		v, ok := input[f]
		if !ok || v == nil {
			v = ""
		}
		fmt.Fprintf(&b, "%s: %v\n", f, v)
	}
	return strings.TrimRight(b.String(), "\n")
}
